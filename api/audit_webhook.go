package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// webhookQueueSize bounds the records waiting for delivery.
	webhookQueueSize = 1024
	// webhookBatchSize is the most records one POST carries.
	webhookBatchSize = 50
	// webhookFlushInterval is the longest a record waits for a batch to fill.
	webhookFlushInterval = 2 * time.Second
	// webhookAttempts is how often a batch is offered before it is dropped.
	webhookAttempts = 3
)

// auditRecord is one gateway decision as delivered to the audit endpoint.
// Session and stage are set for UIA outcomes, user for anything tied to
// an account.
type auditRecord struct {
	Event    string            `json:"event"`
	Time     time.Time         `json:"time"`
	ClientIP string            `json:"client_ip,omitempty"`
	Method   string            `json:"method,omitempty"`
	Path     string            `json:"path,omitempty"`
	UserID   string            `json:"user_id,omitempty"`
	Session  string            `json:"session,omitempty"`
	Stage    string            `json:"stage,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// auditBatch is the body of one delivery.
type auditBatch struct {
	Records []auditRecord `json:"records"`
	Dropped int           `json:"dropped,omitempty"`
}

// auditWebhook ships audit records to an external collector in batches.
// Producers never block: when the queue is full the record is counted as
// dropped and the count rides along with the next delivered batch.
type auditWebhook struct {
	url        string
	header     string
	value      string
	client     *http.Client
	logger     *slog.Logger
	records    chan auditRecord
	batchSize  int
	interval   time.Duration
	retryDelay time.Duration

	mu      sync.Mutex
	dropped int

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// newAuditWebhook starts a dispatcher for url. authHeader has the form
// "Name: value" and may be empty.
func newAuditWebhook(url, authHeader string, logger *slog.Logger) *auditWebhook {
	w := &auditWebhook{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "audit_webhook"),
		records:    make(chan auditRecord, webhookQueueSize),
		batchSize:  webhookBatchSize,
		interval:   webhookFlushInterval,
		retryDelay: time.Second,
	}
	if name, value, ok := strings.Cut(authHeader, ":"); ok {
		w.header, w.value = strings.TrimSpace(name), strings.TrimSpace(value)
	}
	w.start()
	return w
}

func (w *auditWebhook) start() {
	w.wg.Add(1)
	go w.loop()
}

func (w *auditWebhook) enqueue(rec auditRecord) {
	select {
	case w.records <- rec:
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
	}
}

// close stops accepting records and delivers what is queued.
func (w *auditWebhook) close() {
	w.closeOnce.Do(func() {
		close(w.records)
		w.wg.Wait()
	})
}

func (w *auditWebhook) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	batch := make([]auditRecord, 0, w.batchSize)
	flush := func() {
		dropped := w.takeDropped()
		if len(batch) == 0 && dropped == 0 {
			return
		}
		w.deliver(auditBatch{Records: batch, Dropped: dropped})
		batch = make([]auditRecord, 0, w.batchSize)
	}
	for {
		select {
		case rec, ok := <-w.records:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (w *auditWebhook) takeDropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.dropped
	w.dropped = 0
	return n
}

// deliver POSTs one batch, retrying transport failures, 429 and 5xx.
func (w *auditWebhook) deliver(b auditBatch) {
	if b.Records == nil {
		b.Records = []auditRecord{}
	}
	body, err := json.Marshal(b)
	if err != nil {
		w.logger.Warn("encoding audit batch failed", "error", err)
		return
	}
	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		retry, err := w.post(body)
		if err == nil {
			return
		}
		w.logger.Warn("audit batch delivery failed", "error", err, "attempt", attempt, "records", len(b.Records))
		if !retry {
			return
		}
		if attempt < webhookAttempts {
			time.Sleep(w.retryDelay * time.Duration(attempt))
		}
	}
	w.logger.Error("audit batch dropped", "records", len(b.Records))
}

func (w *auditWebhook) post(body []byte) (retry bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "uiagate-audit/1")
	if w.header != "" {
		req.Header.Set(w.header, w.value)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return true, err
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("collector returned %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("collector rejected batch with %d", resp.StatusCode)
	}
}
