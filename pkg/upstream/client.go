// Package upstream defines the HTTP Upstream Client capability interface to
// the social-graph provider (spec §4.9). It is deliberately not wire-exact:
// concrete JSON shapes live behind the interface so ingest services and
// tests depend only on the Client contract. Grounded on the teacher's
// infrastructure/datafeed/client.go shape: a plain *http.Client with context,
// request/response structs marshaled via encoding/json, and status-code-based
// error classification, adapted here to spec §4.9's error taxonomy instead
// of JSON-RPC.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/briandastous/bdx/pkg/engineerr"
	"github.com/briandastous/bdx/pkg/metrics"
	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/ratelimit"
)

// Client is the capability interface every ingest service depends on (spec
// §4.9). Implementations must rate-limit-wait before every request.
type Client interface {
	FetchUserProfileByHandle(ctx context.Context, handle string) (UserProfile, error)
	FetchUsersByIDs(ctx context.Context, ids []model.UserID, batchSize int) ([]UserProfile, error)
	FetchFollowersPage(ctx context.Context, handle string, cursor string) (FollowersPage, error)
	FetchFollowingsPage(ctx context.Context, handle string, cursor string) (FollowingsPage, error)
	FetchPostsPage(ctx context.Context, query string, cursor string) (PostsPage, error)
	FetchPostsByIDs(ctx context.Context, ids []model.PostID) ([]Post, error)
	// LastSnapshot returns the most recent request/response pair observed by
	// this client, for inclusion in ingest-run metadata (spec §4.9).
	LastSnapshot() model.HTTPSnapshot
}

// HTTPClient is the production Client, talking to a REST-ish JSON API.
type HTTPClient struct {
	baseURL     string
	bearerToken string
	httpClient  *http.Client
	gate        *ratelimit.Gate
	bodyMax     int

	mu       sync.Mutex
	snapshot model.HTTPSnapshot
}

// NewHTTPClient constructs an HTTPClient. gate is the process-global rate
// limiter every call flows through (spec §4.4); bodyMaxBytes caps retained
// snapshot bodies (spec §6 retention.http_body_max_bytes).
func NewHTTPClient(baseURL, bearerToken string, requestTimeout time.Duration, gate *ratelimit.Gate, bodyMaxBytes int) *HTTPClient {
	if bodyMaxBytes <= 0 {
		bodyMaxBytes = 65_536
	}
	return &HTTPClient{
		baseURL:     baseURL,
		bearerToken: bearerToken,
		httpClient:  &http.Client{Timeout: requestTimeout},
		gate:        gate,
		bodyMax:     bodyMaxBytes,
	}
}

func (c *HTTPClient) LastSnapshot() model.HTTPSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

func (c *HTTPClient) capBody(b []byte) []byte {
	if len(b) <= c.bodyMax {
		return b
	}
	return b[:c.bodyMax]
}

// get performs a rate-limited GET, redacting the Authorization header in the
// retained snapshot, and classifies the response per spec §4.9/§7.
func (c *HTTPClient) get(ctx context.Context, path string, query url.Values) ([]byte, int, error) {
	gateStart := time.Now()
	if err := c.gate.Wait(ctx); err != nil {
		return nil, 0, &engineerr.TransportError{Op: "rate-limit wait", Err: err}
	}
	metrics.RecordRateLimitWait(time.Since(gateStart))

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, &engineerr.TransportError{Op: "build request", Err: err}
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordSnapshot(req, nil, 0)
		metrics.RecordUpstreamRequest(0)
		return nil, 0, &engineerr.TransportError{Op: path, Err: err}
	}
	defer resp.Body.Close()
	metrics.RecordUpstreamRequest(resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordSnapshot(req, nil, resp.StatusCode)
		return nil, resp.StatusCode, &engineerr.TransportError{Op: "read body", Err: err}
	}
	c.recordSnapshot(req, body, resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := -1
		if h := resp.Header.Get("Retry-After"); h != "" {
			if n, err := strconv.Atoi(h); err == nil {
				retryAfter = n
			}
		}
		return nil, resp.StatusCode, &engineerr.RateLimitError{RetryAfterSeconds: retryAfter}
	case resp.StatusCode >= 500:
		return nil, resp.StatusCode, &engineerr.UpstreamUnexpectedResponseError{Status: resp.StatusCode, Reason: "server error"}
	case resp.StatusCode >= 400:
		return nil, resp.StatusCode, &engineerr.UpstreamRequestError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, resp.StatusCode, nil
}

func (c *HTTPClient) recordSnapshot(req *http.Request, respBody []byte, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = model.HTTPSnapshot{
		RequestMethod: req.Method,
		RequestURL:    redactURL(req.URL),
		StatusCode:    status,
		ResponseBody:  c.capBody(respBody),
		CapturedAt:    time.Now().UTC(),
	}
}

func redactURL(u *url.URL) string {
	clone := *u
	q := clone.Query()
	if q.Get("token") != "" {
		q.Set("token", "REDACTED")
	}
	clone.RawQuery = q.Encode()
	return clone.String()
}

func decodeJSON[T any](body []byte) (T, error) {
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		var zero T
		return zero, &engineerr.UpstreamUnexpectedResponseError{Status: 0, Reason: "invalid json: " + err.Error()}
	}
	return out, nil
}

type userProfileWire struct {
	ID        int64  `json:"id"`
	Handle    string `json:"handle"`
	IsDeleted bool   `json:"is_deleted"`
}

type followersPageWire struct {
	Users      []userProfileWire `json:"users"`
	NextCursor string            `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

type postWire struct {
	ID        int64  `json:"id"`
	AuthorID  int64  `json:"author_id"`
	PostedAt  int64  `json:"posted_at_unix"`
	Text      string `json:"text"`
	Lang      string `json:"lang"`
	IsDeleted bool   `json:"is_deleted"`
}

type postsPageWire struct {
	Posts         []postWire `json:"posts"`
	NextCursor    string     `json:"next_cursor"`
	HasMore       bool       `json:"has_more"`
	WindowLimited bool       `json:"window_limited"`
}

func (w userProfileWire) toDomain() UserProfile {
	return UserProfile{ID: model.UserID(w.ID), Handle: w.Handle, IsDeleted: w.IsDeleted}
}

func (w postWire) toDomain(raw []byte) Post {
	return Post{
		ID:        model.PostID(w.ID),
		AuthorID:  model.UserID(w.AuthorID),
		PostedAt:  time.Unix(w.PostedAt, 0).UTC(),
		Text:      w.Text,
		Lang:      w.Lang,
		Raw:       raw,
		IsDeleted: w.IsDeleted,
	}
}

func (c *HTTPClient) FetchUserProfileByHandle(ctx context.Context, handle string) (UserProfile, error) {
	body, _, err := c.get(ctx, "/v1/users/by-handle", url.Values{"handle": {handle}})
	if err != nil {
		return UserProfile{}, err
	}
	w, err := decodeJSON[userProfileWire](body)
	if err != nil {
		return UserProfile{}, err
	}
	return w.toDomain(), nil
}

func (c *HTTPClient) FetchUsersByIDs(ctx context.Context, ids []model.UserID, batchSize int) ([]UserProfile, error) {
	if batchSize <= 0 {
		batchSize = len(ids)
	}
	var out []UserProfile
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		csv := ""
		for i, id := range ids[start:end] {
			if i > 0 {
				csv += ","
			}
			csv += strconv.FormatInt(int64(id), 10)
		}
		body, _, err := c.get(ctx, "/v1/users", url.Values{"ids": {csv}})
		if err != nil {
			return nil, err
		}
		var wire []userProfileWire
		if err := json.Unmarshal(body, &wire); err != nil {
			return nil, &engineerr.UpstreamUnexpectedResponseError{Reason: "invalid json: " + err.Error()}
		}
		for _, w := range wire {
			out = append(out, w.toDomain())
		}
	}
	return out, nil
}

func (c *HTTPClient) FetchFollowersPage(ctx context.Context, handle string, cursor string) (FollowersPage, error) {
	q := url.Values{"handle": {handle}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	body, _, err := c.get(ctx, "/v1/followers", q)
	if err != nil {
		return FollowersPage{}, err
	}
	w, err := decodeJSON[followersPageWire](body)
	if err != nil {
		return FollowersPage{}, err
	}
	page := FollowersPage{NextCursor: w.NextCursor, HasMore: w.HasMore}
	for _, u := range w.Users {
		page.Users = append(page.Users, u.toDomain())
	}
	return page, nil
}

func (c *HTTPClient) FetchFollowingsPage(ctx context.Context, handle string, cursor string) (FollowingsPage, error) {
	q := url.Values{"handle": {handle}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	body, _, err := c.get(ctx, "/v1/followings", q)
	if err != nil {
		return FollowingsPage{}, err
	}
	w, err := decodeJSON[followersPageWire](body)
	if err != nil {
		return FollowingsPage{}, err
	}
	page := FollowingsPage{NextCursor: w.NextCursor, HasMore: w.HasMore}
	for _, u := range w.Users {
		page.Users = append(page.Users, u.toDomain())
	}
	return page, nil
}

func (c *HTTPClient) FetchPostsPage(ctx context.Context, query string, cursor string) (PostsPage, error) {
	q := url.Values{"q": {query}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	body, _, err := c.get(ctx, "/v1/posts/search", q)
	if err != nil {
		return PostsPage{}, err
	}
	w, err := decodeJSON[postsPageWire](body)
	if err != nil {
		return PostsPage{}, err
	}
	page := PostsPage{NextCursor: w.NextCursor, HasMore: w.HasMore, WindowLimited: w.WindowLimited}
	for _, p := range w.Posts {
		raw, _ := json.Marshal(p)
		post := p.toDomain(raw)
		page.Posts = append(page.Posts, post)
		if page.OldestPostTimestamp.IsZero() || post.PostedAt.Before(page.OldestPostTimestamp) {
			page.OldestPostTimestamp = post.PostedAt
		}
	}
	return page, nil
}

func (c *HTTPClient) FetchPostsByIDs(ctx context.Context, ids []model.PostID) ([]Post, error) {
	csv := ""
	for i, id := range ids {
		if i > 0 {
			csv += ","
		}
		csv += strconv.FormatInt(int64(id), 10)
	}
	body, _, err := c.get(ctx, "/v1/posts", url.Values{"ids": {csv}})
	if err != nil {
		return nil, err
	}
	var wire []postWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &engineerr.UpstreamUnexpectedResponseError{Reason: "invalid json: " + err.Error()}
	}
	var out []Post
	for _, p := range wire {
		raw, _ := json.Marshal(p)
		out = append(out, p.toDomain(raw))
	}
	return out, nil
}

// BuildPostsQuery builds the "from:<handle> OR from:<handle> OR ..." query
// form used by posts sync (spec §4.4), bounded by maxQueryLength. It
// consumes as many leading handles as fit and reports how many were
// consumed so the caller can batch the remainder into a subsequent query.
// Returns an error if the first handle alone would exceed the bound.
func BuildPostsQuery(handles []string, maxQueryLength int) (query string, consumed int, err error) {
	var buf bytes.Buffer
	for _, h := range handles {
		clause := "from:" + h
		if buf.Len() == 0 {
			if len(clause) > maxQueryLength {
				return "", 0, &engineerr.ValidationError{Field: "handle", Reason: fmt.Sprintf("single handle query %q exceeds max_query_length=%d", clause, maxQueryLength)}
			}
			buf.WriteString(clause)
			consumed++
			continue
		}
		candidate := buf.Len() + len(" OR ") + len(clause)
		if candidate > maxQueryLength {
			break
		}
		buf.WriteString(" OR ")
		buf.WriteString(clause)
		consumed++
	}
	return buf.String(), consumed, nil
}
