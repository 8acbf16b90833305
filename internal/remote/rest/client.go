// Package rest implements remote.Store over a PostgREST endpoint with a
// Phoenix realtime channel for change events.
//
// Writes use optimistic concurrency on the kind's version field:
//
//	insert  POST   /rest/v1/<table>                     409 -> conflict
//	update  PATCH  /rest/v1/<table>?pk=eq.K&ver=eq.B    no rows -> conflict
//	delete  DELETE /rest/v1/<table>?pk=eq.K&ver=eq.B    no rows -> conflict or gone
//
// The server assigns the version field on commit; the client never sends it
// in a request body. A conflict is reported with the row the server holds
// now, fetched by key.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/homebase/internal/codec"
	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/query"
	"github.com/roach88/homebase/internal/remote"
	"github.com/roach88/homebase/internal/schema"
)

// Config holds connection settings.
type Config struct {
	// URL is the project base URL, e.g. https://abc.supabase.co.
	URL string

	// APIKey is sent as the apikey header on every request.
	APIKey string

	// Token is the session JWT. Empty falls back to APIKey.
	Token string

	// Timeout bounds each HTTP request. Default: 10s.
	Timeout time.Duration

	// Tables maps kinds to table names. Unmapped kinds use the kind name.
	Tables map[ir.Kind]string
}

// Client is a remote.Store over HTTP.
//
// Thread-safety: all methods are safe for concurrent use.
type Client struct {
	base     *url.URL
	apiKey   string
	token    string
	tables   map[ir.Kind]string
	http     *http.Client
	codec    *codec.Codec
	log      *slog.Logger
	realtime RealtimeSettings
}

var _ remote.Store = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithRealtimeSettings replaces the realtime timeouts.
func WithRealtimeSettings(s RealtimeSettings) Option {
	return func(c *Client) {
		c.realtime = s
	}
}

// New creates a client for cfg.
func New(cfg Config, cd *codec.Codec, opts ...Option) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("rest: URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("rest: invalid URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("rest: unsupported URL scheme %q", base.Scheme)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	token := cfg.Token
	if token == "" {
		token = cfg.APIKey
	}

	c := &Client{
		base:     base,
		apiKey:   cfg.APIKey,
		token:    token,
		tables:   cfg.Tables,
		http:     &http.Client{Timeout: timeout},
		codec:    cd,
		log:      slog.Default(),
		realtime: DefaultRealtimeSettings(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) table(kind ir.Kind) string {
	if t, ok := c.tables[kind]; ok {
		return t
	}
	return string(kind)
}

func (c *Client) schema(kind ir.Kind) (*schema.Schema, error) {
	s, err := c.codec.Registry().Get(kind)
	if err != nil {
		return nil, remote.Permanent(err)
	}
	return s, nil
}

// Fetch implements remote.Store. Predicates containing query.Func are
// evaluated in memory over an unfiltered read; rows that fail to decode
// are passed through so the caller can report them.
func (c *Client) Fetch(ctx context.Context, kind ir.Kind, pred query.Predicate) ([]ir.WireRecord, error) {
	s, err := c.schema(kind)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("select", "*")
	params.Set("order", s.PrimaryKey+".asc")

	w := &filterWriter{codec: c.codec, kind: kind, pk: s.PrimaryKey}
	tree, err := w.render(pred)
	inMemory := errors.Is(err, errInMemoryOnly)
	switch {
	case inMemory:
	case err != nil:
		return nil, remote.Permanent(fmt.Errorf("fetch %s: %w", kind, err))
	case tree != "":
		params.Set("and", "("+tree+")")
	}

	var rows []ir.WireRecord
	if err := c.do(ctx, http.MethodGet, kind, params, nil, "", &rows); err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []ir.WireRecord{}
	}
	if !inMemory {
		return rows, nil
	}

	out := rows[:0]
	for _, row := range rows {
		fields, _, err := c.codec.Decode(kind, row)
		if err != nil || query.Match(pred, fields) {
			out = append(out, row)
		}
	}
	return out, nil
}

// Upsert implements remote.Store. Rows are written one request each; the
// first transport error aborts the remaining rows.
func (c *Client) Upsert(ctx context.Context, kind ir.Kind, rows []ir.WireRecord) (remote.Result, error) {
	s, err := c.schema(kind)
	if err != nil {
		return remote.Result{}, err
	}

	var res remote.Result
	for _, row := range rows {
		key, base, err := c.identify(s, row)
		if err != nil {
			return res, err
		}

		body := row.Clone()
		delete(body, s.VersionField)

		var committed []ir.WireRecord
		if base == 0 {
			err = c.do(ctx, http.MethodPost, kind, nil, body, "return=representation", &committed)
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
				err, committed = nil, nil
			}
		} else {
			delete(body, s.PrimaryKey)
			params, perr := c.matchRow(s, key, base)
			if perr != nil {
				return res, perr
			}
			err = c.do(ctx, http.MethodPatch, kind, params, body, "return=representation", &committed)
		}
		if err != nil {
			return res, err
		}

		if len(committed) == 0 {
			conflict, err := c.conflict(ctx, s, key)
			if err != nil {
				return res, err
			}
			res.Conflicts = append(res.Conflicts, conflict)
			continue
		}
		res.Committed = append(res.Committed, committed[0])
	}
	return res, nil
}

// Delete implements remote.Store. A row already gone from the server counts
// as committed.
func (c *Client) Delete(ctx context.Context, kind ir.Kind, rows []ir.WireRecord) (remote.Result, error) {
	s, err := c.schema(kind)
	if err != nil {
		return remote.Result{}, err
	}

	var res remote.Result
	for _, row := range rows {
		key, base, err := c.identify(s, row)
		if err != nil {
			return res, err
		}
		params, err := c.matchRow(s, key, base)
		if err != nil {
			return res, err
		}

		var deleted []ir.WireRecord
		if err := c.do(ctx, http.MethodDelete, kind, params, nil, "return=representation", &deleted); err != nil {
			return res, err
		}
		ack := ir.WireRecord{s.PrimaryKey: key}
		if len(deleted) > 0 || base == 0 {
			res.Committed = append(res.Committed, ack)
			continue
		}

		conflict, err := c.conflict(ctx, s, key)
		if err != nil {
			return res, err
		}
		if conflict.Current == nil {
			res.Committed = append(res.Committed, ack)
			continue
		}
		res.Conflicts = append(res.Conflicts, conflict)
	}
	return res, nil
}

// identify reads the key and base version a write row carries.
func (c *Client) identify(s *schema.Schema, row ir.WireRecord) (string, ir.Version, error) {
	key, _ := row[s.PrimaryKey].(string)
	if key == "" {
		return "", 0, remote.Permanent(fmt.Errorf("%s: row without primary key", s.Kind))
	}
	raw, ok := row[s.VersionField]
	if !ok || raw == nil {
		return key, 0, nil
	}
	v, err := c.codec.DecodeValue(s.Kind, s.VersionField, raw)
	if err != nil {
		return "", 0, remote.Permanent(err)
	}
	base, err := s.VersionOf(ir.Fields{s.VersionField: v})
	if err != nil {
		return "", 0, remote.Permanent(err)
	}
	return key, base, nil
}

// matchRow builds the filter selecting key at version base (any version
// when base is zero).
func (c *Client) matchRow(s *schema.Schema, key string, base ir.Version) (url.Values, error) {
	w := &filterWriter{codec: c.codec, kind: s.Kind, pk: s.PrimaryKey}
	params := url.Values{}
	params.Set(s.PrimaryKey, "eq."+quoteLiteral(key))
	if base != 0 {
		lit, err := w.literal(s.VersionField, s.VersionValue(base))
		if err != nil {
			return nil, remote.Permanent(err)
		}
		params.Set(s.VersionField, "eq."+lit)
	}
	return params, nil
}

// conflict fetches the current server row of key.
func (c *Client) conflict(ctx context.Context, s *schema.Schema, key string) (remote.Conflict, error) {
	params := url.Values{}
	params.Set("select", "*")
	params.Set(s.PrimaryKey, "eq."+quoteLiteral(key))

	var rows []ir.WireRecord
	if err := c.do(ctx, http.MethodGet, s.Kind, params, nil, "", &rows); err != nil {
		return remote.Conflict{}, err
	}
	conflict := remote.Conflict{Key: key}
	if len(rows) > 0 {
		conflict.Current = rows[0]
	}
	return conflict, nil
}

// do sends one request and decodes a JSON array response into out.
func (c *Client) do(ctx context.Context, method string, kind ir.Kind, params url.Values, body any, prefer string, out *[]ir.WireRecord) error {
	u := *c.base
	u.Path += "/rest/v1/" + c.table(kind)
	u.RawQuery = params.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return remote.Permanent(fmt.Errorf("encode %s body: %w", kind, err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return remote.Permanent(err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return remote.Transient(fmt.Errorf("%s %s: %w", method, kind, err))
	}
	defer resp.Body.Close()

	c.log.Debug("remote request",
		"method", method,
		"kind", kind,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode >= 300 {
		return classify(method, kind, resp)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return remote.Transient(fmt.Errorf("%s %s: decode response: %w", method, kind, err))
	}
	return nil
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d (%s): %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, msg)
}

// classify turns a failed response into a classified remote error.
// Server errors, throttling and timeouts are transient; other client
// errors are permanent.
func classify(method string, kind ir.Kind, resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
		apiErr.Status = resp.StatusCode
	}

	err := fmt.Errorf("%s %s: %w", method, kind, apiErr)
	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, perr := strconv.Atoi(after); perr == nil {
				err = fmt.Errorf("%w (retry after %ds)", err, secs)
			}
		}
		return remote.Transient(err)
	default:
		return remote.Permanent(err)
	}
}
