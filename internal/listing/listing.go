// Package listing selects and pages sandbox records for list requests.
package listing

import (
	"fmt"
	"net/url"
	"slices"

	"github.com/bcnelson/sandbox-control-plane/internal/domain"
)

// Page size bounds enforced by the API layer.
const (
	DefaultPage     = 1
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// Filter selects sandboxes. Empty fields do not filter.
type Filter struct {
	States   []domain.State
	Metadata map[string]string
}

// Pagination is a validated page request: Page >= 1, 1 <= PageSize <= MaxPageSize.
type Pagination struct {
	Page     int `json:"page" validate:"min=1"`
	PageSize int `json:"pageSize" validate:"min=1,max=200"`
}

// Result is one page of matched sandboxes.
type Result struct {
	Items []*domain.Sandbox
	Info  domain.PaginationInfo
}

// Matches reports whether sb satisfies both the state and the metadata filter.
func (f Filter) Matches(sb *domain.Sandbox) bool {
	if len(f.States) > 0 && !slices.Contains(f.States, sb.Status.State) {
		return false
	}
	for k, want := range f.Metadata {
		got, ok := sb.Metadata[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Apply filters items, preserving their order, and slices out the requested page.
// A page past the end yields no items but still reports the totals.
func Apply(items []*domain.Sandbox, f Filter, p Pagination) Result {
	matched := make([]*domain.Sandbox, 0, len(items))
	for _, sb := range items {
		if f.Matches(sb) {
			matched = append(matched, sb)
		}
	}

	total := len(matched)
	totalPages := 0
	if total > 0 {
		totalPages = (total + p.PageSize - 1) / p.PageSize
	}

	// Compare page numbers before multiplying: (Page-1)*PageSize overflows
	// for huge pages.
	page := []*domain.Sandbox{}
	if p.Page >= 1 && p.Page <= totalPages {
		start := (p.Page - 1) * p.PageSize
		end := min(start+p.PageSize, total)
		page = matched[start:end]
	}

	return Result{
		Items: page,
		Info: domain.PaginationInfo{
			Page:        p.Page,
			PageSize:    p.PageSize,
			TotalItems:  total,
			TotalPages:  totalPages,
			HasNextPage: p.Page < totalPages,
		},
	}
}

// ParseStates converts query values into states, rejecting unknown ones.
func ParseStates(values []string) ([]domain.State, error) {
	if len(values) == 0 {
		return nil, nil
	}
	states := make([]domain.State, 0, len(values))
	for _, v := range values {
		st, err := domain.ParseState(v)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(states, st) {
			states = append(states, st)
		}
	}
	return states, nil
}

// ParseMetadataQuery decodes a metadata filter of the form "k1=v1&k2=v2".
// Keys must be non-empty; a key given twice is rejected.
func ParseMetadataQuery(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", domain.ErrInvalidInput, err)
	}
	out := make(map[string]string, len(values))
	for k, vs := range values {
		if k == "" {
			return nil, fmt.Errorf("%w: metadata: empty key", domain.ErrInvalidInput)
		}
		if len(vs) > 1 {
			return nil, fmt.Errorf("%w: metadata: key %q given more than once", domain.ErrInvalidInput, k)
		}
		out[k] = vs[0]
	}
	return out, nil
}
