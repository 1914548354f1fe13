package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/listsync"
)

func newClient(t *testing.T, h http.HandlerFunc, mod ...func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := Config{BaseURL: srv.URL + "/api/", Header: http.Header{"Authorization": {"Bearer t"}}}
	for _, m := range mod {
		m(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestFetchGroupedPageQuery(t *testing.T) {
	var got *http.Request
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		_, _ = io.WriteString(w, `{"groups":[{"key":"todo","totalCount":12,"hasMore":true,"items":[{"id":"1","entityType":"issue","seq":1}]}]}`)
	})

	page, err := c.FetchGroupedPage(context.Background(), listsync.PageRequest{
		Params:   listsync.GroupParams{EntityType: "issue", GroupBy: "status", Sort: "priority", PageSize: 5, Filters: map[string]string{"team": "core"}},
		GroupKey: "todo",
		Page:     2,
	})
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "/api/groups", got.URL.Path)
	q := got.URL.Query()
	assert.Equal(t, "issue", q.Get("entityType"))
	assert.Equal(t, "status", q.Get("groupBy"))
	assert.Equal(t, "priority", q.Get("sort"))
	assert.Equal(t, "5", q.Get("pageSize"))
	assert.Equal(t, "todo", q.Get("group"))
	assert.Equal(t, "2", q.Get("page"))
	assert.Equal(t, "core", q.Get("filter.team"))
	assert.Equal(t, "Bearer t", got.Header.Get("Authorization"))

	require.Len(t, page.Groups, 1)
	assert.Equal(t, 12, page.Groups[0].TotalCount)
	assert.True(t, page.Groups[0].HasMore)
	assert.Equal(t, "1", page.Groups[0].Items[0].ID)
}

func TestFetchOrderTieBreaksOnSeq(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"groups":[{"key":"a","items":[
			{"id":"x","seq":3,"fields":{"p":1}},
			{"id":"y","seq":1,"fields":{"p":1}},
			{"id":"z","seq":2,"fields":{"p":0}}]}]}`)
	}, func(cfg *Config) {
		cfg.Order = func(a, b listsync.Item) int {
			pa, _ := a.Field("p").(float64)
			pb, _ := b.Field("p").(float64)
			switch {
			case pa < pb:
				return -1
			case pa > pb:
				return 1
			}
			return 0
		}
	})

	page, err := c.FetchGroupedPage(context.Background(), listsync.PageRequest{Params: listsync.GroupParams{EntityType: "issue"}})
	require.NoError(t, err)
	var ids []string
	for _, it := range page.Groups[0].Items {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []string{"z", "y", "x"}, ids)
}

func TestFetchAppErrorIn2xx(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"error":{"message":"filter not allowed"}}`)
	})
	_, err := c.FetchGroupedPage(context.Background(), listsync.PageRequest{})
	var ae *AppError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "filter not allowed", ae.Message)
}

func TestFetchItemStatusError(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/items/issue/7", r.URL.Path)
		http.Error(w, "gone", http.StatusNotFound)
	})
	_, err := c.FetchItem(context.Background(), "issue", "7")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, "gone", se.Body)
}

func TestMutate(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantOK  bool
		wantErr string
		wantTx  bool
	}{
		{name: "ok with data", status: 200, body: `{"ok":true,"data":[{"id":"1","entityType":"issue"}]}`, wantOK: true},
		{name: "bare 204", status: 204, wantOK: true},
		{name: "ok false", status: 200, body: `{"ok":false,"error":"locked"}`, wantErr: "locked"},
		{name: "error field in 2xx", status: 200, body: `{"error":"quota exceeded"}`, wantErr: "quota exceeded"},
		{name: "error null", status: 200, body: `{"ok":true,"error":null}`, wantOK: true},
		{name: "5xx", status: 503, body: "down", wantTx: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				var req listsync.MutationRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "archive", req.Action)
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			res, err := c.Mutate(context.Background(), listsync.MutationRequest{
				Action:  "archive",
				Targets: []listsync.Target{{EntityType: "issue", ID: "1"}},
			})
			if tc.wantTx {
				var se *StatusError
				require.ErrorAs(t, err, &se)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantOK, res.OK)
			assert.Equal(t, tc.wantErr, res.Error)
		})
	}
}

func TestNewRejectsRelativeURL(t *testing.T) {
	_, err := New(Config{BaseURL: "/api"})
	assert.Error(t, err)
}
