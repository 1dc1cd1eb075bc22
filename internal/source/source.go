// Package source defines the contract external systems are pulled through and the
// generic adapters shipped with datasync.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// IDField is the key every adapter stores the external id under.
const IDField = "id"

// Record is one document produced by an adapter.
type Record map[string]interface{}

// Request asks an adapter for one page of an entity.
type Request struct {
	Entity    string
	PageToken string
	// Since restricts the page to records modified at or after the watermark.
	Since *time.Time
}

// Page is one batch of records plus the continuation state.
type Page struct {
	Records   []Record
	NextToken string
	HasMore   bool
	// Total is the source-reported record count, zero when unknown.
	Total int64
}

// Adapter turns a vendor's pagination scheme into a generic page contract.
type Adapter interface {
	TestConnection(ctx context.Context) error
	ListEntities(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, req Request) (*Page, error)
}

// Incremental is implemented by adapters that can filter by a last-modified watermark.
type Incremental interface {
	SupportsIncremental(entity string) bool
}

// StatusCoder is implemented by transport errors carrying an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// RetryAfterer is implemented by errors carrying a server-requested delay.
type RetryAfterer interface {
	RetryAfter() time.Duration
}

// PermanentError marks a failure that must not be retried (bad credentials, bad config).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the fetch client aborts without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Connection binds an adapter to the data source it was built from.
type Connection struct {
	SourceID   string
	SourceName string
	Adapter    Adapter
}

// Close releases adapter resources when the adapter holds any.
func (c *Connection) Close() error {
	if closer, ok := c.Adapter.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// FilterEntities narrows available to the requested subset, keeping the requested order.
// An empty request selects everything.
func FilterEntities(available, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return available, nil
	}
	known := make(map[string]bool, len(available))
	for _, e := range available {
		known[e] = true
	}
	out := make([]string, 0, len(requested))
	for _, e := range requested {
		if !known[e] {
			return nil, fmt.Errorf("entity %q is not provided by the source", e)
		}
		out = append(out, e)
	}
	return out, nil
}
