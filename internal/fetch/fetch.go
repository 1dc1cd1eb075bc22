// Package fetch drives a source adapter page by page, retrying transient failures.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"datasync/internal/config"
	"datasync/internal/source"
)

// Progress is reported to the page callback after every page.
type Progress struct {
	Entity  string
	Pages   int
	Records int64
	// Total is the last source-reported total, zero when the source does not report one.
	Total int64
}

// PageFunc consumes one page. Returning an error stops pagination.
type PageFunc func(ctx context.Context, page *source.Page, p Progress) error

// Client paginates adapters with exponential backoff between retries.
type Client struct {
	cfg    config.FetchConfig
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(cfg config.FetchConfig, logger *zap.Logger) *Client {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg, logger: logger, sleep: sleepContext}
}

// Paginate fetches every page of req.Entity starting at req.PageToken.
func (c *Client) Paginate(ctx context.Context, adapter source.Adapter, req source.Request, onPage PageFunc) (Progress, error) {
	progress := Progress{Entity: req.Entity}

	var limiter *rate.Limiter
	if c.cfg.PageDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(c.cfg.PageDelay), 1)
	}

	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return progress, cause(ctx, err)
			}
		}

		page, err := c.fetchPage(ctx, adapter, req, progress.Pages+1)
		if err != nil {
			return progress, err
		}

		progress.Pages++
		progress.Records += int64(len(page.Records))
		if page.Total > 0 {
			progress.Total = page.Total
		}

		if err := onPage(ctx, page, progress); err != nil {
			return progress, err
		}

		if !page.HasMore {
			return progress, nil
		}
		if page.NextToken == "" {
			return progress, source.Permanent(fmt.Errorf("%s: page %d reported more data without a page token", req.Entity, progress.Pages))
		}
		req.PageToken = page.NextToken
	}
}

func (c *Client) fetchPage(ctx context.Context, adapter source.Adapter, req source.Request, pageNum int) (*source.Page, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, context.Cause(ctx)
		}

		page, err := adapter.Fetch(ctx, req)
		if err == nil {
			if page == nil {
				page = &source.Page{}
			}
			return page, nil
		}

		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		if !Retryable(err) {
			return nil, fmt.Errorf("fetch %s page %d: %w", req.Entity, pageNum, err)
		}
		if attempt >= c.cfg.MaxRetries {
			return nil, fmt.Errorf("fetch %s page %d: giving up after %d retries: %w", req.Entity, pageNum, attempt, err)
		}

		delay := c.backoff(attempt, err)
		c.logger.Warn("Transient fetch failure, retrying",
			zap.String("entity", req.Entity),
			zap.Int("page", pageNum),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, cause(ctx, err)
		}
	}
}

// backoff returns the delay before retry number attempt (0-based).
func (c *Client) backoff(attempt int, err error) time.Duration {
	var ra source.RetryAfterer
	if errors.As(err, &ra) {
		if d := ra.RetryAfter(); d > 0 {
			if d > c.cfg.MaxDelay {
				return c.cfg.MaxDelay
			}
			return d
		}
	}

	delay := float64(c.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(c.cfg.MaxDelay) {
		delay = float64(c.cfg.MaxDelay)
	}
	// up to 10% jitter so workers hitting the same vendor spread out
	//nolint:gosec // not security sensitive
	delay += delay * 0.1 * rand.Float64()
	if delay > float64(c.cfg.MaxDelay) {
		delay = float64(c.cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// context.DeadlineExceeded is itself a net.Error, so only a timeout raised by the
		// transport around it counts as a request timeout
		var ne net.Error
		if !errors.As(err, &ne) || error(ne) == context.DeadlineExceeded || !ne.Timeout() {
			return false
		}
	}
	if source.IsPermanent(err) {
		return false
	}
	var sc source.StatusCoder
	if errors.As(err, &sc) {
		code := sc.HTTPStatus()
		switch {
		case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
			return true
		case code >= 500:
			return true
		case code >= 400:
			return false
		}
	}
	return true
}

func cause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
