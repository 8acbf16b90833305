package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/query"
	"github.com/roach88/homebase/internal/remote"
	"github.com/roach88/homebase/internal/testutil"
)

// fakeREST serves the note table with the optimistic concurrency rules of
// the production endpoint. Filters other than key and version are ignored.
type fakeREST struct {
	t *testing.T

	mu       sync.Mutex
	rows     map[string]map[string]any
	rev      int64
	requests []*http.Request
	bodies   []map[string]any
	fail     []int
}

func newFakeREST(t *testing.T) (*fakeREST, *Client) {
	f := &fakeREST{t: t, rows: make(map[string]map[string]any)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c, err := New(Config{URL: srv.URL, APIKey: "anon", Token: "user-jwt"}, testutil.NewCodec(t))
	require.NoError(t, err)
	return f, c
}

func (f *fakeREST) seed(id, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rev++
	f.rows[id] = map[string]any{"id": id, "body": body, "pinned": 0, "rev": f.rev}
}

func (f *fakeREST) last() (*http.Request, map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1], f.bodies[len(f.bodies)-1]
}

func (f *fakeREST) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.requests {
		out = append(out, r.Method)
	}
	return out
}

func (f *fakeREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var body map[string]any
	if r.Body != nil {
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		_ = dec.Decode(&body)
	}
	f.requests = append(f.requests, r)
	f.bodies = append(f.bodies, maps.Clone(body))

	if len(f.fail) > 0 {
		status := f.fail[0]
		f.fail = f.fail[1:]
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"code": "XX000", "message": "injected"})
		return
	}
	if r.URL.Path != "/rest/v1/note" {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	id := strings.TrimPrefix(q.Get("id"), "eq.")
	revMatches := func(row map[string]any) bool {
		want := q.Get("rev")
		return want == "" || want == fmt.Sprintf("eq.%v", row["rev"])
	}

	var out []map[string]any
	switch r.Method {
	case http.MethodGet:
		if id != "" {
			if row, ok := f.rows[id]; ok {
				out = append(out, row)
			}
			break
		}
		keys := make([]string, 0, len(f.rows))
		for k := range f.rows {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			out = append(out, f.rows[k])
		}
	case http.MethodPost:
		key, _ := body["id"].(string)
		if _, ok := f.rows[key]; ok {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"code": "23505", "message": "duplicate key"})
			return
		}
		f.rev++
		body["rev"] = f.rev
		f.rows[key] = body
		out = append(out, body)
		w.WriteHeader(http.StatusCreated)
	case http.MethodPatch:
		if row, ok := f.rows[id]; ok && revMatches(row) {
			for k, v := range body {
				row[k] = v
			}
			f.rev++
			row["rev"] = f.rev
			out = append(out, row)
		}
	case http.MethodDelete:
		if row, ok := f.rows[id]; ok && revMatches(row) {
			delete(f.rows, id)
			out = append(out, row)
		}
	}
	if out == nil {
		out = []map[string]any{}
	}
	json.NewEncoder(w).Encode(out)
}

func TestNew_Validates(t *testing.T) {
	cd := testutil.NewCodec(t)

	_, err := New(Config{}, cd)
	assert.Error(t, err)

	_, err = New(Config{URL: "ftp://example.com"}, cd)
	assert.Error(t, err)

	c, err := New(Config{URL: "https://example.com/", APIKey: "anon"}, cd)
	require.NoError(t, err)
	assert.Equal(t, "anon", c.token, "token falls back to the api key")
}

func TestClient_FetchSendsFilter(t *testing.T) {
	f, c := newFakeREST(t)
	f.seed("a", "x")

	pred := query.And{Predicates: []query.Predicate{
		query.Equals{Field: "body", Value: ir.String("x")},
		query.Greater{Field: "rev", Value: ir.Int(0)},
	}}
	rows, err := c.Fetch(context.Background(), testutil.KindNote, pred)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, json.Number("1"), rows[0]["rev"])

	req, _ := f.last()
	assert.Equal(t, "(and(body.eq.x,rev.gt.0))", req.URL.Query().Get("and"))
	assert.Equal(t, "id.asc", req.URL.Query().Get("order"))
	assert.Equal(t, "anon", req.Header.Get("apikey"))
	assert.Equal(t, "Bearer user-jwt", req.Header.Get("Authorization"))
}

func TestClient_FetchFuncFiltersInMemory(t *testing.T) {
	f, c := newFakeREST(t)
	f.seed("a", "short")
	f.seed("b", "a much longer body")

	long := query.Func{Name: "long", Fn: func(fields ir.Fields) bool { return len(fields.String("body")) > 10 }}
	rows, err := c.Fetch(context.Background(), testutil.KindNote, long)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b", rows[0]["id"])

	req, _ := f.last()
	assert.Empty(t, req.URL.Query().Get("and"), "nothing is sent to the server")
}

func TestClient_UpsertInsert(t *testing.T) {
	f, c := newFakeREST(t)

	res, err := c.Upsert(context.Background(), testutil.KindNote, []ir.WireRecord{testutil.Note("n-1", "hello", 0)})
	require.NoError(t, err)
	require.Len(t, res.Committed, 1)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, json.Number("1"), res.Committed[0]["rev"])

	req, body := f.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "return=representation", req.Header.Get("Prefer"))
	assert.NotContains(t, body, "rev", "the server assigns versions")
}

func TestClient_UpsertInsertConflict(t *testing.T) {
	f, c := newFakeREST(t)
	f.seed("n-1", "theirs")

	res, err := c.Upsert(context.Background(), testutil.KindNote, []ir.WireRecord{testutil.Note("n-1", "mine", 0)})
	require.NoError(t, err)
	assert.Empty(t, res.Committed)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "n-1", res.Conflicts[0].Key)
	assert.Equal(t, "theirs", res.Conflicts[0].Current["body"])
	assert.Equal(t, []string{http.MethodPost, http.MethodGet}, f.methods())
}

func TestClient_UpsertUpdate(t *testing.T) {
	f, c := newFakeREST(t)
	f.seed("n-1", "v1")

	res, err := c.Upsert(context.Background(), testutil.KindNote, []ir.WireRecord{testutil.Note("n-1", "v2", 1)})
	require.NoError(t, err)
	require.Len(t, res.Committed, 1)
	assert.Equal(t, "v2", res.Committed[0]["body"])
	assert.Equal(t, json.Number("2"), res.Committed[0]["rev"])

	req, body := f.last()
	assert.Equal(t, http.MethodPatch, req.Method)
	assert.Equal(t, url.Values{"id": {"eq.n-1"}, "rev": {"eq.1"}}, req.URL.Query())
	assert.NotContains(t, body, "id")
}

func TestClient_UpsertStaleBase(t *testing.T) {
	f, c := newFakeREST(t)
	f.seed("n-1", "v1")
	f.seed("n-1", "v2")

	res, err := c.Upsert(context.Background(), testutil.KindNote, []ir.WireRecord{testutil.Note("n-1", "mine", 1)})
	require.NoError(t, err)
	assert.Empty(t, res.Committed)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "v2", res.Conflicts[0].Current["body"])
}

func TestClient_Delete(t *testing.T) {
	f, c := newFakeREST(t)
	ctx := context.Background()
	f.seed("n-1", "v1")
	f.seed("n-2", "v1")
	f.seed("n-2", "v2")

	res, err := c.Delete(ctx, testutil.KindNote, []ir.WireRecord{{"id": "n-1", "rev": int64(1)}})
	require.NoError(t, err)
	assert.Equal(t, []ir.WireRecord{{"id": "n-1"}}, res.Committed)

	res, err = c.Delete(ctx, testutil.KindNote, []ir.WireRecord{{"id": "n-2", "rev": int64(2)}})
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1, "stale delete conflicts")
	assert.Equal(t, "v2", res.Conflicts[0].Current["body"])

	res, err = c.Delete(ctx, testutil.KindNote, []ir.WireRecord{{"id": "gone", "rev": int64(5)}})
	require.NoError(t, err)
	assert.Len(t, res.Committed, 1, "a row already gone counts as deleted")

	_, err = c.Delete(ctx, testutil.KindNote, []ir.WireRecord{{"body": "no key"}})
	assert.True(t, remote.IsPermanent(err))
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusInternalServerError, true},
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			f, c := newFakeREST(t)
			f.fail = []int{tt.status}

			_, err := c.Fetch(context.Background(), testutil.KindNote, nil)
			require.Error(t, err)
			assert.Equal(t, tt.transient, remote.IsTransient(err))
			assert.Equal(t, !tt.transient, remote.IsPermanent(err))
			assert.Contains(t, err.Error(), "injected")
		})
	}
}

func TestClient_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c, err := New(Config{URL: srv.URL, APIKey: "anon"}, testutil.NewCodec(t))
	require.NoError(t, err)

	_, err = c.Fetch(context.Background(), testutil.KindNote, nil)
	assert.True(t, remote.IsTransient(err))
}

func TestClient_UnknownKindIsPermanent(t *testing.T) {
	_, c := newFakeREST(t)

	_, err := c.Fetch(context.Background(), "invoice", nil)
	assert.True(t, remote.IsPermanent(err))
	assert.ErrorIs(t, err, ir.ErrUnknownKind)
}
