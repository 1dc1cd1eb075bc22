package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"datasync/internal/pkg/httpclient"
)

// RESTConfig configures the generic JSON REST adapter.
type RESTConfig struct {
	BaseURL    string                `mapstructure:"base_url"`
	Token      string                `mapstructure:"token"`
	Headers    map[string]string     `mapstructure:"headers"`
	Timeout    time.Duration         `mapstructure:"timeout"`
	Insecure   bool                  `mapstructure:"insecure"`
	HealthPath string                `mapstructure:"health_path"`
	Entities   map[string]RESTEntity `mapstructure:"entities"`
}

// RESTEntity describes how one entity is listed and paginated.
type RESTEntity struct {
	Path string `mapstructure:"path"`
	// DataField holds the array of records; empty means the body is the array itself.
	DataField string `mapstructure:"data_field"`
	IDField   string `mapstructure:"id_field"`
	// CursorParam is the query parameter the page token is sent in.
	CursorParam string `mapstructure:"cursor_param"`
	// NextCursorField is a dotted path to the next token; empty means "id of the last record".
	NextCursorField string `mapstructure:"next_cursor_field"`
	HasMoreField    string `mapstructure:"has_more_field"`
	TotalField      string `mapstructure:"total_field"`
	LimitParam      string `mapstructure:"limit_param"`
	Limit           int    `mapstructure:"limit"`
	// SinceParam enables incremental sync; SinceFormat is "unix" or "rfc3339".
	SinceParam  string `mapstructure:"since_param"`
	SinceFormat string `mapstructure:"since_format"`
}

// RESTAdapter pulls cursor-paginated JSON collections over HTTP.
type RESTAdapter struct {
	cfg    RESTConfig
	client *httpclient.Client
}

func NewRESTAdapter(cfg RESTConfig) (*RESTAdapter, error) {
	if cfg.BaseURL == "" {
		return nil, Permanent(errors.New("rest source: base_url is required"))
	}
	if len(cfg.Entities) == 0 {
		return nil, Permanent(errors.New("rest source: at least one entity is required"))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := httpclient.New().WithBaseURL(cfg.BaseURL).WithTimeout(timeout)
	if cfg.Token != "" {
		client = client.WithBearerToken(cfg.Token)
	}
	for k, v := range cfg.Headers {
		client = client.WithHeader(k, v)
	}
	if cfg.Insecure {
		client = client.WithInsecureSkipVerify()
	}
	return &RESTAdapter{cfg: cfg, client: client}, nil
}

func (a *RESTAdapter) TestConnection(ctx context.Context) error {
	path := a.cfg.HealthPath
	query := map[string]string{}
	if path == "" {
		entities, _ := a.ListEntities(ctx)
		e := a.cfg.Entities[entities[0]]
		path = e.Path
		if e.LimitParam != "" {
			query[e.LimitParam] = "1"
		}
	}
	var out interface{}
	return classify(a.client.GetJSON(ctx, path, query, &out))
}

func (a *RESTAdapter) ListEntities(_ context.Context) ([]string, error) {
	names := make([]string, 0, len(a.cfg.Entities))
	for name := range a.cfg.Entities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (a *RESTAdapter) SupportsIncremental(entity string) bool {
	return a.cfg.Entities[entity].SinceParam != ""
}

func (a *RESTAdapter) Fetch(ctx context.Context, req Request) (*Page, error) {
	e, ok := a.cfg.Entities[req.Entity]
	if !ok {
		return nil, Permanent(fmt.Errorf("rest source: unknown entity %q", req.Entity))
	}

	query := map[string]string{}
	if e.LimitParam != "" && e.Limit > 0 {
		query[e.LimitParam] = strconv.Itoa(e.Limit)
	}
	if req.PageToken != "" && e.CursorParam != "" {
		query[e.CursorParam] = req.PageToken
	}
	if req.Since != nil && e.SinceParam != "" {
		if e.SinceFormat == "unix" {
			query[e.SinceParam] = strconv.FormatInt(req.Since.Unix(), 10)
		} else {
			query[e.SinceParam] = req.Since.UTC().Format(time.RFC3339)
		}
	}

	var body interface{}
	if err := a.client.GetJSON(ctx, e.Path, query, &body); err != nil {
		return nil, classify(err)
	}

	items, err := extractItems(body, e.DataField)
	if err != nil {
		return nil, Permanent(fmt.Errorf("rest source %s: %w", req.Entity, err))
	}

	idField := e.IDField
	if idField == "" {
		idField = IDField
	}
	page := &Page{Records: make([]Record, 0, len(items))}
	lastID := ""
	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		rec := Record(obj)
		if v, ok := obj[idField]; ok && v != nil {
			lastID = stringify(v)
			rec[IDField] = lastID
		}
		page.Records = append(page.Records, rec)
	}

	obj, _ := body.(map[string]interface{})
	if e.NextCursorField != "" {
		if v, ok := lookup(obj, e.NextCursorField); ok && v != nil {
			page.NextToken = stringify(v)
		}
	} else {
		page.NextToken = lastID
	}
	if e.HasMoreField != "" {
		v, _ := lookup(obj, e.HasMoreField)
		page.HasMore, _ = v.(bool)
	} else if e.NextCursorField != "" {
		page.HasMore = page.NextToken != ""
	} else {
		// keyset by last id: a full page means there may be more
		page.HasMore = e.Limit > 0 && len(items) >= e.Limit
	}
	if page.HasMore && page.NextToken == "" {
		return nil, Permanent(fmt.Errorf("rest source %s: more pages reported without a cursor", req.Entity))
	}
	if e.TotalField != "" {
		if v, ok := lookup(obj, e.TotalField); ok {
			if f, ok := v.(float64); ok {
				page.Total = int64(f)
			}
		}
	}
	return page, nil
}

// classify marks client errors other than 408/429 as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *httpclient.StatusError
	if errors.As(err, &se) {
		code := se.HTTPStatus()
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout {
			return Permanent(err)
		}
	}
	return err
}

func extractItems(body interface{}, field string) ([]interface{}, error) {
	if field == "" {
		items, ok := body.([]interface{})
		if !ok {
			return nil, errors.New("response is not an array")
		}
		return items, nil
	}
	obj, ok := body.(map[string]interface{})
	if !ok {
		return nil, errors.New("response is not an object")
	}
	v, ok := lookup(obj, field)
	if !ok || v == nil {
		return nil, nil
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("field %q is not an array", field)
	}
	return items, nil
}

func lookup(obj map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
