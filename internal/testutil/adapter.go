// Package testutil holds in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"datasync/internal/source"
)

// FetchHook may replace a Fetch result. Returning handled=false falls through to the data.
type FetchHook func(ctx context.Context, req source.Request, call int) (page *source.Page, handled bool, err error)

// PagedAdapter serves fixed pages per entity using the page index as token.
type PagedAdapter struct {
	mu          sync.Mutex
	pages       map[string][][]source.Record
	incremental bool
	hook        FetchHook
	calls       map[string]int
	requests    []source.Request
	closed      bool
}

func NewPagedAdapter() *PagedAdapter {
	return &PagedAdapter{
		pages: make(map[string][][]source.Record),
		calls: make(map[string]int),
	}
}

// WithEntity registers an entity whose pages hold the given number of records.
// Record ids are "<entity>-<n>" numbered from 1 across pages.
func (a *PagedAdapter) WithEntity(entity string, pageSizes ...int) *PagedAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	pages := make([][]source.Record, 0, len(pageSizes))
	for _, size := range pageSizes {
		page := make([]source.Record, 0, size)
		for i := 0; i < size; i++ {
			n++
			page = append(page, source.Record{
				source.IDField: entity + "-" + strconv.Itoa(n),
				"seq":          n,
			})
		}
		pages = append(pages, page)
	}
	a.pages[entity] = pages
	return a
}

// WithPages registers explicit pages for an entity.
func (a *PagedAdapter) WithPages(entity string, pages ...[]source.Record) *PagedAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pages[entity] = pages
	return a
}

func (a *PagedAdapter) WithIncremental() *PagedAdapter {
	a.incremental = true
	return a
}

func (a *PagedAdapter) WithHook(h FetchHook) *PagedAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hook = h
	return a
}

// FailOn makes every fetch of entity's page (0-based) fail with err.
func (a *PagedAdapter) FailOn(entity string, page int, err error) *PagedAdapter {
	return a.WithHook(func(_ context.Context, req source.Request, _ int) (*source.Page, bool, error) {
		if req.Entity == entity && pageIndex(req.PageToken) == page {
			return nil, true, err
		}
		return nil, false, nil
	})
}

func (a *PagedAdapter) TestConnection(context.Context) error { return nil }

func (a *PagedAdapter) ListEntities(context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.pages))
	for name := range a.pages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (a *PagedAdapter) SupportsIncremental(string) bool { return a.incremental }

func (a *PagedAdapter) Fetch(ctx context.Context, req source.Request) (*source.Page, error) {
	a.mu.Lock()
	a.calls[req.Entity]++
	call := a.calls[req.Entity]
	a.requests = append(a.requests, req)
	hook := a.hook
	pages, ok := a.pages[req.Entity]
	a.mu.Unlock()

	if hook != nil {
		if page, handled, err := hook(ctx, req, call); handled {
			return page, err
		}
	}
	if !ok {
		return nil, source.Permanent(fmt.Errorf("unknown entity %q", req.Entity))
	}

	idx := pageIndex(req.PageToken)
	if idx >= len(pages) {
		return &source.Page{}, nil
	}

	var total int64
	for _, p := range pages {
		total += int64(len(p))
	}
	recs := make([]source.Record, len(pages[idx]))
	for i, r := range pages[idx] {
		cp := make(source.Record, len(r))
		for k, v := range r {
			cp[k] = v
		}
		recs[i] = cp
	}
	page := &source.Page{Records: recs, Total: total}
	if idx+1 < len(pages) {
		page.HasMore = true
		page.NextToken = strconv.Itoa(idx + 1)
	}
	return page, nil
}

func (a *PagedAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *PagedAdapter) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Calls returns how many times entity was fetched.
func (a *PagedAdapter) Calls(entity string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[entity]
}

// Requests returns every request received, in order.
func (a *PagedAdapter) Requests() []source.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]source.Request(nil), a.requests...)
}

func pageIndex(token string) int {
	if token == "" {
		return 0
	}
	n, _ := strconv.Atoi(token)
	return n
}

// StatusErr is a transport error carrying an HTTP status.
type StatusErr struct {
	Code  int
	After time.Duration
}

func (e *StatusErr) Error() string             { return "http status " + strconv.Itoa(e.Code) }
func (e *StatusErr) HTTPStatus() int           { return e.Code }
func (e *StatusErr) RetryAfter() time.Duration { return e.After }
