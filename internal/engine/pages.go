package engine

import (
	"context"
	"fmt"
	"slices"
)

// DefaultPageSize is used when a page request carries no size.
const DefaultPageSize = 20

// Page is one page of a listing. Page numbers start at 1.
type Page[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalPages int `json:"total_pages"`
}

// pageBounds clamps page and size and returns the offset of the first
// element. A page past the end is moved to the last page.
func pageBounds(total, page, size int) (p, s, pages, offset int) {
	s = size
	if s < 1 {
		s = DefaultPageSize
	}
	pages = max(1, (total+s-1)/s)
	p = min(max(page, 1), pages)
	return p, s, pages, (p - 1) * s
}

// paginate slices all into the requested page.
func paginate[T any](all []T, page, size int) Page[T] {
	p, s, pages, offset := pageBounds(len(all), page, size)
	end := min(offset+s, len(all))
	items := []T{}
	if offset < end {
		items = all[offset:end]
	}
	return Page[T]{Items: items, Total: len(all), Page: p, PageSize: s, TotalPages: pages}
}

// Errors returns one page of the failed attempts recorded for a batch,
// ordered by item and attempt number. Attempts still held by the result
// buffer of a live batch appear once they are flushed.
func (m *Manager) Errors(ctx context.Context, id string, page, size int) (Page[Attempt], error) {
	if _, err := m.Get(ctx, id); err != nil {
		return Page[Attempt]{}, err
	}

	// Assume the page exists; the total tells whether it has to move.
	want, limit, _, offset := pageBounds(max(page, 1)*max(size, DefaultPageSize), page, size)
	ats, total, err := m.store.FailedAttempts(ctx, id, limit, offset)
	if err != nil {
		return Page[Attempt]{}, fmt.Errorf("failed attempts: %w", err)
	}
	p, limit, pages, offset := pageBounds(total, page, size)
	if p != want {
		if ats, total, err = m.store.FailedAttempts(ctx, id, limit, offset); err != nil {
			return Page[Attempt]{}, fmt.Errorf("failed attempts: %w", err)
		}
	}
	if ats == nil {
		ats = []Attempt{}
	}
	return Page[Attempt]{Items: ats, Total: total, Page: p, PageSize: limit, TotalPages: pages}, nil
}

// Requests returns one page of a batch's items ordered by index. A non-empty
// status keeps only items in that status.
func (m *Manager) Requests(ctx context.Context, id string, status ItemStatus, page, size int) (Page[RequestItem], error) {
	if status != "" && !slices.Contains(AllStatuses, status) {
		return Page[RequestItem]{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	_, items, err := m.items(ctx, id)
	if err != nil {
		return Page[RequestItem]{}, err
	}
	if status != "" {
		items = slices.DeleteFunc(items, func(it RequestItem) bool { return it.Status != status })
	}
	return paginate(items, page, size), nil
}

// Request returns one item of a batch.
func (m *Manager) Request(ctx context.Context, id string, index int) (RequestItem, error) {
	_, items, err := m.items(ctx, id)
	if err != nil {
		return RequestItem{}, err
	}
	if index < 0 || index >= len(items) {
		return RequestItem{}, fmt.Errorf("%w: %d", ErrUnknownItem, index)
	}
	return items[index], nil
}

// Counts returns per-status item counts for the listed batches. Live
// batches report their in-memory counts; the rest are counted in the store
// with a single query.
func (m *Manager) Counts(ctx context.Context, ids []string) (map[string]StatusCounts, error) {
	out := make(map[string]StatusCounts, len(ids))
	var stored []string
	for _, id := range ids {
		if c := m.controller(id); c != nil {
			out[id] = c.Progress().Counts
			continue
		}
		stored = append(stored, id)
	}
	if len(stored) == 0 {
		return out, nil
	}
	counts, err := m.store.CountStatuses(ctx, stored)
	if err != nil {
		return nil, fmt.Errorf("count statuses: %w", err)
	}
	for id, c := range counts {
		out[id] = c
	}
	return out, nil
}

// items returns the header and items of a batch, live or stored.
func (m *Manager) items(ctx context.Context, id string) (Batch, []RequestItem, error) {
	if c := m.controller(id); c != nil {
		return c.Batch(), c.Items(), nil
	}
	return m.store.LoadBatch(ctx, id)
}
