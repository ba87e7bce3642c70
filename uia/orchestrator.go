package uia

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jmcleod/uiagate/internal/util"
)

const (
	// DefaultSessionTTL bounds how long a client may take to finish a flow.
	DefaultSessionTTL = 30 * time.Minute
	sessionIDLength   = 24
)

// Challenge is the Matrix "UIA incomplete" body. Errcode and Error are set
// when the preceding stage attempt was rejected.
type Challenge struct {
	Flows     []Flow                    `json:"flows"`
	Completed []string                  `json:"completed"`
	Params    map[string]map[string]any `json:"params"`
	Session   string                    `json:"session"`
	Errcode   string                    `json:"errcode,omitempty"`
	Error     string                    `json:"error,omitempty"`
}

// Outcome is the result of one Authenticate call. Exactly one of Satisfied
// or Challenge is meaningful.
type Outcome struct {
	Satisfied bool
	Session   *Session
	Challenge *Challenge
	// Stage is the stage attempted by this request, if any.
	Stage string
	// Rejected is set when the attempted stage's check failed.
	Rejected bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSessionTTL sets how long a session stays usable after creation.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator drives the UIA state machine for every protected endpoint.
type Orchestrator struct {
	store    Store
	registry *Registry
	resolver *Resolver
	policy   Policy
	logger   *slog.Logger
	ttl      time.Duration
	now      func() time.Time
}

// New returns an orchestrator over store. It fails if policy names a stage
// that no registered checker implements.
func New(store Store, registry *Registry, policy Policy, opts ...Option) (*Orchestrator, error) {
	if err := registry.Validate(policy); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		store:    store,
		registry: registry,
		resolver: NewResolver(registry),
		policy:   policy,
		logger:   slog.Default(),
		ttl:      DefaultSessionTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Registry returns the checker registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Flows returns the unresolved policy flows for ep.
func (o *Orchestrator) Flows(ep Endpoint) []Flow {
	return o.policy.FlowsFor(ep)
}

// Protects reports whether ep has an explicitly configured route.
func (o *Orchestrator) Protects(ep Endpoint) bool {
	_, ok := o.policy.Route(ep)
	return ok
}

type authEnvelope struct {
	Type    string `json:"type"`
	Session string `json:"session"`
}

// Authenticate advances the UIA state machine by one request. req.Auth holds
// the raw auth dict (possibly empty); on return req.Session is attached when
// a session exists. Errors are *Error values or wrap the package sentinels.
func (o *Orchestrator) Authenticate(ctx context.Context, req *Request) (*Outcome, error) {
	var env authEnvelope
	if len(req.Auth) > 0 && string(req.Auth) != "null" {
		if err := json.Unmarshal(req.Auth, &env); err != nil {
			e := BadInput(CodeBadJSON, "auth must be an object")
			e.Err = err
			return nil, e
		}
	}

	if env.Session == "" {
		if env.Type != "" {
			return nil, BadInput(CodeMissingParam, "auth.session is required")
		}
		return o.firstContact(ctx, req)
	}

	session, err := o.lookup(env.Session)
	if err != nil {
		return nil, err
	}
	req.Session = session

	flows, ok := RequiredFlowsKey.Get(session)
	if !ok {
		return nil, Misconfigured(fmt.Errorf("%w: %s", ErrMissingFlows, session.ID()))
	}
	if err := bound(session, req); err != nil {
		return nil, err
	}
	userID := req.KnownUserID()

	if env.Type == "" {
		if AnySatisfied(flows, session.Completed()) {
			return &Outcome{Satisfied: true, Session: session}, nil
		}
		ch, err := o.challenge(ctx, session, flows, userID)
		if err != nil {
			return nil, err
		}
		return &Outcome{Session: session, Challenge: ch}, nil
	}

	stage := env.Type
	if !slices.ContainsFunc(flows, func(f Flow) bool { return f.Has(stage) }) {
		return nil, BadInput(CodeInvalidParam, "stage %q is not part of this session's flows", stage)
	}
	if session.IsCompleted(stage) {
		return nil, BadInput(CodeInvalidParam, "stage %q has already been completed", stage)
	}
	checker, err := o.registry.mustLookup(stage)
	if err != nil {
		return nil, err
	}

	req.AuthType = stage
	passed, err := checker.Check(ctx, req, stage)
	if err != nil {
		o.logger.DebugContext(ctx, "stage check errored", "session", session.ID(), "stage", stage, "error", err)
		return nil, err
	}

	// The checker may have learned who the user is.
	userID = req.KnownUserID()

	if !passed {
		o.logger.DebugContext(ctx, "stage check failed", "session", session.ID(), "stage", stage)
		ch, err := o.challenge(ctx, session, flows, userID)
		if err != nil {
			return nil, err
		}
		ch.Errcode = CodeForbidden
		ch.Error = fmt.Sprintf("authentication failed for stage %s", stage)
		return &Outcome{Session: session, Challenge: ch, Stage: stage, Rejected: true}, nil
	}

	session.MarkStageComplete(stage)
	o.logger.DebugContext(ctx, "stage completed", "session", session.ID(), "stage", stage)

	if AnySatisfied(flows, session.Completed()) {
		return &Outcome{Satisfied: true, Session: session, Stage: stage}, nil
	}
	ch, err := o.challenge(ctx, session, flows, userID)
	if err != nil {
		return nil, err
	}
	return &Outcome{Session: session, Challenge: ch, Stage: stage}, nil
}

func (o *Orchestrator) firstContact(ctx context.Context, req *Request) (*Outcome, error) {
	userID := req.UserID
	flows, err := o.resolver.Resolve(ctx, o.policy.FlowsFor(req.Endpoint), userID, req.Endpoint)
	if err != nil {
		return nil, err
	}
	if AnySatisfied(flows, nil) {
		return &Outcome{Satisfied: true}, nil
	}

	id, err := util.RandomChars(sessionIDLength)
	if err != nil {
		return nil, Internal(fmt.Errorf("generating session id: %w", err))
	}
	o.store.Update(id, func(st *State) {
		st.CreatedAt = o.now()
		if st.Scratch == nil {
			st.Scratch = make(map[string]any)
		}
		st.Scratch[RequiredFlowsKey.Name()] = flows
		st.Scratch[EndpointKey.Name()] = req.Endpoint
		st.Scratch[BoundUserKey.Name()] = userID
		if userID != "" {
			st.Scratch[UserIDKey.Name()] = userID
		}
	})
	session := NewSession(o.store, id)
	req.Session = session

	ch, err := o.challenge(ctx, session, flows, userID)
	if err != nil {
		return nil, err
	}
	return &Outcome{Session: session, Challenge: ch}, nil
}

func (o *Orchestrator) lookup(id string) (*Session, error) {
	st, ok := o.store.Get(id)
	if !ok {
		return nil, AsError(ErrUnknownSession)
	}
	if o.expired(st) {
		o.store.Delete(id)
		return nil, AsError(ErrUnknownSession)
	}
	if isTrue(st.Scratch[hooksFiredKey]) {
		return nil, AsError(fmt.Errorf("%w: session already used", ErrUnknownSession))
	}
	return NewSession(o.store, id), nil
}

// bound checks that req targets the endpoint and bearer user the session
// was issued for.
func bound(session *Session, req *Request) error {
	ep, ok := EndpointKey.Get(session)
	if !ok || ep != req.Endpoint {
		return AsError(fmt.Errorf("%w: issued for %s", ErrSessionMismatch, ep))
	}
	if user, _ := BoundUserKey.Get(session); user != req.UserID {
		return AsError(fmt.Errorf("%w: issued for another user", ErrSessionMismatch))
	}
	return nil
}

func (o *Orchestrator) expired(st State) bool {
	return o.now().Sub(st.CreatedAt) > o.ttl
}

func (o *Orchestrator) challenge(ctx context.Context, session *Session, flows []Flow, userID string) (*Challenge, error) {
	ch := &Challenge{
		Flows:     cloneFlows(flows),
		Completed: session.Completed(),
		Params:    make(map[string]map[string]any),
		Session:   session.ID(),
	}
	var seen []string
	for _, f := range flows {
		for _, stage := range f.Stages {
			if slices.Contains(seen, stage) {
				continue
			}
			seen = append(seen, stage)
			checker, err := o.registry.mustLookup(stage)
			if err != nil {
				return nil, err
			}
			params, err := checker.Params(ctx, session, stage, userID)
			if err != nil {
				return nil, err
			}
			if len(params) > 0 {
				ch.Params[stage] = params
			}
		}
	}
	return ch, nil
}

// Complete runs the post-satisfaction hooks for req's session, at most once
// per session. userID is the account the privileged operation acted on.
// Afterwards the session is spent and later lookups treat it as unknown.
func (o *Orchestrator) Complete(ctx context.Context, req *Request, userID string) error {
	session := req.Session
	if session == nil || !session.claim(hooksFiredKey) {
		return nil
	}
	if userID != "" {
		UserIDKey.Set(session, userID)
	}

	ep := req.Endpoint
	completed := session.Completed()
	var errs []error
	run := func(stage, hook string, fn func() error) {
		if err := fn(); err != nil {
			o.logger.ErrorContext(ctx, "uia hook failed", "hook", hook, "stage", stage, "session", session.ID(), "error", err)
			errs = append(errs, fmt.Errorf("%s %s: %w", hook, stage, err))
		}
	}

	for _, stage := range completed {
		c, ok := o.registry.Lookup(stage)
		if !ok {
			continue
		}
		if ep.IsRegistration() || strings.Contains(stage, ".enroll.") {
			run(stage, "on_enrolled", func() error { return c.OnEnrolled(ctx, req, stage, userID) })
		}
		if ep.IsLogin() {
			run(stage, "on_logged_in", func() error { return c.OnLoggedIn(ctx, req, stage, userID) })
		}
	}
	for _, stage := range completed {
		c, ok := o.registry.Lookup(stage)
		if !ok {
			continue
		}
		run(stage, "on_success", func() error { return c.OnSuccess(ctx, req, stage, userID) })
	}
	return errors.Join(errs...)
}

// Unenroll asks every checker to delete its enrollment records for userID.
func (o *Orchestrator) Unenroll(ctx context.Context, req *Request, userID string) error {
	var errs []error
	for _, c := range o.registry.Checkers() {
		if err := c.OnUnenrolled(ctx, req, userID); err != nil {
			o.logger.ErrorContext(ctx, "unenroll failed", "stages", c.SupportedAuthTypes(), "user_id", userID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sweep removes expired sessions.
func (o *Orchestrator) Sweep() int {
	return o.store.Sweep(o.now().Add(-o.ttl))
}

// RunSweeper removes expired sessions every interval until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := o.Sweep(); n > 0 {
				o.logger.Debug("swept expired uia sessions", "count", n)
			}
		}
	}
}
