package api

import (
	"net/url"
	"strconv"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 200
)

// PaginationMeta is embedded in paginated list responses.
type PaginationMeta struct {
	TotalCount int  `json:"total_count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
}

// parsePage reads limit and offset from q. Absent values take the defaults
// and limit is capped at maxPageLimit; anything that is not a non-negative
// integer is a paramError.
func parsePage(q url.Values) (limit, offset int, err error) {
	limit = defaultPageLimit
	if v := q.Get("limit"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n < 1 {
			return 0, 0, paramError("limit must be a positive integer")
		}
		limit = min(n, maxPageLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n < 0 {
			return 0, 0, paramError("offset must be a non-negative integer")
		}
		offset = n
	}
	return limit, offset, nil
}

// paginate returns the requested window of items. An offset past the end
// yields an empty page.
func paginate[T any](items []T, limit, offset int) ([]T, PaginationMeta) {
	total := len(items)
	start := min(offset, total)
	end := min(start+limit, total)
	return items[start:end], PaginationMeta{
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
		HasMore:    end < total,
	}
}
