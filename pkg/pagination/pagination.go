// Package pagination reads limit/offset query parameters and builds page
// envelopes for list endpoints whose stores do not report a total.
package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts pagination parameters from the echo context.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Probe is the number of rows to request so that one extra row reveals
// whether another page exists.
func (p Params) Probe() int {
	return p.Limit + 1
}

// Page wraps one page of a list response.
type Page[T any] struct {
	Data    []T    `json:"data"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
	HasMore bool   `json:"has_more"`
	Links   []Link `json:"links"`
}

// NewPage builds a page from rows fetched with p.Probe(), dropping the
// probe row.
func NewPage[T any](rows []T, p Params, basePath string) Page[T] {
	more := len(rows) > p.Limit
	if more {
		rows = rows[:p.Limit]
	}
	if rows == nil {
		rows = []T{}
	}
	return Page[T]{
		Data:    rows,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: more,
		Links:   p.Links(basePath, more),
	}
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page.
// Returns 0 if the result would be negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}

// Links returns self, next and previous links for basePath.
func (p Params) Links(basePath string, hasNext bool) []Link {
	links := []Link{{Relation: "self", URL: p.url(basePath, p.Offset)}}
	if hasNext {
		links = append(links, Link{Relation: "next", URL: p.url(basePath, p.NextOffset())})
	}
	if p.HasPrevious() {
		links = append(links, Link{Relation: "previous", URL: p.url(basePath, p.PreviousOffset())})
	}
	return links
}

func (p Params) url(basePath string, offset int) string {
	return fmt.Sprintf("%s?offset=%d&limit=%d", basePath, offset, p.Limit)
}

// Link is a single pagination link.
type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}
