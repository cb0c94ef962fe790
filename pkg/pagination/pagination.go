package pagination

import (
	"fmt"
	"strconv"
)

// Limits applied to page and limit query parameters
const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100
	MinLimit     = 1
)

// Params is a parsed page request
type Params struct {
	Page   int
	Limit  int
	Offset int
}

// Page is the envelope for one page of a listing
type Page struct {
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	Total      int64       `json:"total"`
	TotalPages int         `json:"total_pages"`
	Items      interface{} `json:"items"`
}

// ParseParams reads page and limit query values. Missing values take the
// defaults, out of range values are clamped, and non-numeric values fail.
func ParseParams(pageStr, limitStr string) (*Params, error) {
	page := DefaultPage
	limit := DefaultLimit

	if pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil {
			return nil, fmt.Errorf("invalid page parameter: %w", err)
		}
		if p > 1 {
			page = p
		}
	}

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, fmt.Errorf("invalid limit parameter: %w", err)
		}
		limit = min(max(l, MinLimit), MaxLimit)
	}

	return &Params{
		Page:   page,
		Limit:  limit,
		Offset: (page - 1) * limit,
	}, nil
}

// TotalPages rounds total/limit up
func TotalPages(total int64, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(limit) - 1) / int64(limit))
}

// NewPage wraps items with the paging metadata for params and total
func NewPage(params *Params, total int64, items interface{}) *Page {
	return &Page{
		Page:       params.Page,
		Limit:      params.Limit,
		Total:      total,
		TotalPages: TotalPages(total, params.Limit),
		Items:      items,
	}
}
