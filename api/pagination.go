package api

import (
	"errors"
	"net/http"
	"strconv"
)

const maxPageLimit = 500

var errBadPagination = errors.New("limit and offset must be non-negative integers")

// PaginationMeta is embedded in list responses. Limit 0 means the whole
// collection was returned.
type PaginationMeta struct {
	TotalCount int  `json:"total_count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
}

// parsePagination reads "limit" and "offset". Both default to 0; malformed
// or negative values are rejected rather than guessed at.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if limit, err = queryInt(q.Get("limit")); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(q.Get("offset")); err != nil {
		return 0, 0, err
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return limit, offset, nil
}

func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errBadPagination
	}
	return n, nil
}

// paginate returns the requested window of items. An offset past the end
// yields an empty page.
func paginate[T any](items []T, limit, offset int) ([]T, PaginationMeta) {
	total := len(items)
	start := min(offset, total)
	end := total
	if limit > 0 {
		end = min(start+limit, total)
	}
	return items[start:end], PaginationMeta{
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
		HasMore:    end < total,
	}
}
