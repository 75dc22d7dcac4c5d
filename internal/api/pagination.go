package api

import (
	"errors"
	"net/http"
	"strconv"
)

// pageParams holds parsed limit/offset query values.
type pageParams struct {
	Limit  int
	Offset int
}

// pageMeta is returned beside every listed page.
type pageMeta struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// parsePage extracts limit and offset. A missing limit takes
// defaultLimit; larger limits are capped at maxLimit.
func parsePage(r *http.Request, defaultLimit, maxLimit int) (pageParams, error) {
	p := pageParams{Limit: defaultLimit}
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, errors.New("invalid limit")
		}
		p.Limit = min(n, maxLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, errors.New("invalid offset")
		}
		p.Offset = n
	}
	return p, nil
}

// trimPage cuts a result fetched with limit+1 rows back to the limit and
// reports whether the extra row was there.
func trimPage[T any](rows []T, p pageParams) ([]T, pageMeta) {
	meta := pageMeta{Limit: p.Limit, Offset: p.Offset}
	if len(rows) > p.Limit {
		rows = rows[:p.Limit]
		meta.HasMore = true
	}
	if rows == nil {
		rows = []T{}
	}
	return rows, meta
}
