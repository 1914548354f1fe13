// Package httpapi implements listsync.Fetcher, listsync.ItemFetcher and
// listsync.Mutator over a JSON HTTP API.
//
//	GET  {base}/groups?entityType=&groupBy=&sort=&pageSize=&group=&page=&filter.<k>=<v>
//	GET  {base}/items/{entityType}/{id}
//	POST {base}/mutations   body: listsync.MutationRequest
//
// A 2xx response whose body carries a non-empty application error (ErrorPath,
// "error" by default) is a failure: fetches return *AppError and mutations
// report OK=false so the optimistic effect rolls back.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/unkn0wn-root/listsync"
)

const maxBody = 8 << 20

type Config struct {
	BaseURL string
	Client  *http.Client // nil => client with a 30s timeout
	Header  http.Header  // added to every request, e.g. Authorization

	// ErrorPath is the gjson path of the application error field; "" => "error".
	ErrorPath string
	// Order re-sorts each fetched group for servers that do not guarantee
	// order; ties fall back to creation order. nil keeps server order.
	Order func(a, b listsync.Item) int
}

type Client struct {
	base   *url.URL
	http   *http.Client
	header http.Header
	errPth string
	order  func(a, b listsync.Item) int
}

var (
	_ listsync.Fetcher     = (*Client)(nil)
	_ listsync.ItemFetcher = (*Client)(nil)
	_ listsync.Mutator     = (*Client)(nil)
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// AppError is an application-level error carried by a 2xx fetch response.
type AppError struct {
	Message string
}

func (e *AppError) Error() string { return "server: " + e.Message }

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("httpapi: base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.New("httpapi: base url must be absolute")
	}
	c := &Client{
		base:   base,
		http:   cfg.Client,
		header: cfg.Header.Clone(),
		errPth: cfg.ErrorPath,
		order:  cfg.Order,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.errPth == "" {
		c.errPth = "error"
	}
	return c, nil
}

func (c *Client) FetchGroupedPage(ctx context.Context, req listsync.PageRequest) (listsync.Page, error) {
	q := url.Values{}
	q.Set("entityType", req.Params.EntityType)
	q.Set("groupBy", req.Params.GroupBy)
	if req.Params.Sort != "" {
		q.Set("sort", req.Params.Sort)
	}
	if req.Params.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(req.Params.PageSize))
	}
	if req.GroupKey != "" {
		q.Set("group", req.GroupKey)
	}
	q.Set("page", strconv.Itoa(max(req.Page, 1)))
	for k, v := range req.Params.Filters {
		q.Set("filter."+k, v)
	}

	var page listsync.Page
	if err := c.get(ctx, c.base.JoinPath("groups"), q, &page); err != nil {
		return listsync.Page{}, err
	}
	if c.order != nil {
		for i := range page.Groups {
			listsync.SortItems(page.Groups[i].Items, c.order)
		}
	}
	return page, nil
}

func (c *Client) FetchItem(ctx context.Context, entityType, id string) (listsync.Item, error) {
	var it listsync.Item
	if err := c.get(ctx, c.base.JoinPath("items", entityType, id), nil, &it); err != nil {
		return listsync.Item{}, err
	}
	if it.EntityType == "" {
		it.EntityType = entityType
	}
	return it, nil
}

// Mutate returns an error only for transport failures and non-2xx responses.
func (c *Client) Mutate(ctx context.Context, req listsync.MutationRequest) (listsync.MutationResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return listsync.MutationResult{}, err
	}
	raw, err := c.do(ctx, http.MethodPost, c.base.JoinPath("mutations").String(), bytes.NewReader(body))
	if err != nil {
		return listsync.MutationResult{}, err
	}
	if msg := c.appError(raw); msg != "" {
		return listsync.MutationResult{OK: false, Error: msg}, nil
	}

	var res listsync.MutationResult
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return listsync.MutationResult{}, fmt.Errorf("httpapi: decode mutation result: %w", err)
		}
	}
	// a bare 2xx without an ok field counts as success
	if !gjson.GetBytes(raw, "ok").Exists() {
		res.OK = true
	}
	return res, nil
}

func (c *Client) get(ctx context.Context, u *url.URL, q url.Values, out any) error {
	if q != nil {
		u.RawQuery = q.Encode()
	}
	raw, err := c.do(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	if msg := c.appError(raw); msg != "" {
		return &AppError{Message: msg}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("httpapi: decode %s: %w", u.Path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return raw, nil
}

// appError returns the application error message, or "" when there is none.
// Objects are reduced to their "message" field.
func (c *Client) appError(raw []byte) string {
	r := gjson.GetBytes(raw, c.errPth)
	switch {
	case !r.Exists() || r.Type == gjson.Null:
		return ""
	case r.IsObject():
		if m := r.Get("message"); m.Exists() {
			return m.String()
		}
		return r.Raw
	case r.Type == gjson.False:
		return ""
	default:
		return r.String()
	}
}
