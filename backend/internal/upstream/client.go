// Package upstream is the HTTP collaborator: token login/refresh and the bulk
// snapshot fallback used when the channel cannot carry a resync.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"syncClient/backend/internal/wire"
)

type ErrorKind int

const (
	Timeout ErrorKind = iota + 1
	Network
	Server
)

func (k ErrorKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case Network:
		return "network"
	case Server:
		return "server"
	}
	return "unknown"
}

// Error is every failure that is not a usable response.
type Error struct {
	Kind   ErrorKind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s %s: status %d", e.Op, e.Kind, e.Status)
	}
	return fmt.Sprintf("upstream %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ue *Error
	return errors.As(err, &ue) && ue.Kind == kind
}

var ErrUnauthorized = errors.New("UNAUTHORIZED")

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	// Token 为快照请求提供 Bearer；为空则不带
	Token func(ctx context.Context) (string, error)
}

type Client struct {
	baseURL string
	http    *http.Client
	token   func(ctx context.Context) (string, error)
	sf      singleflight.Group
}

func New(opt Options) *Client {
	hc := opt.HTTPClient
	if hc == nil {
		timeout := opt.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(opt.BaseURL, "/"),
		http:    hc,
		token:   opt.Token,
	}
}

// SetToken installs the bearer source after construction, for when the
// source itself depends on this client.
func (c *Client) SetToken(fn func(ctx context.Context) (string, error)) { c.token = fn }

// Do sends req and classifies failures. A 5xx is returned as a Server error
// with the body already closed; other statuses are handed back as responses.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	op := req.Method + " " + req.URL.Path
	resp, err := c.http.Do(req)
	if err != nil {
		kind := Network
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			kind = Timeout
		}
		return nil, &Error{Kind: kind, Op: op, Err: err}
	}
	if resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, &Error{Kind: Server, Op: op, Status: resp.StatusCode}
	}
	return resp, nil
}

// TokenPair mirrors the auth service login/refresh response.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int    `json:"expiresIn"`
	TokenType    string `json:"tokenType"`
}

func (c *Client) Login(ctx context.Context, username, password string) (TokenPair, error) {
	return c.postToken(ctx, "/v1/auth/login", map[string]string{"username": username, "password": password})
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	return c.postToken(ctx, "/v1/auth/refresh", map[string]string{"refreshToken": refreshToken})
}

func (c *Client) postToken(ctx context.Context, path string, body any) (TokenPair, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return TokenPair{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return TokenPair{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return TokenPair{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return TokenPair{}, fmt.Errorf("%w: %s", ErrUnauthorized, path)
	case resp.StatusCode != http.StatusOK:
		return TokenPair{}, fmt.Errorf("upstream %s: unexpected status %d", path, resp.StatusCode)
	}
	var pair TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return TokenPair{}, fmt.Errorf("decode %s response: %w", path, err)
	}
	if pair.AccessToken == "" {
		return TokenPair{}, fmt.Errorf("upstream %s: empty accessToken", path)
	}
	return pair, nil
}

// EntityRecord is one entity in the bulk snapshot response.
type EntityRecord struct {
	EntityID   string         `json:"entityId"`
	Sequence   uint64         `json:"sequence,omitempty"`
	ServerTime int64          `json:"serverTimestamp,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Removed    bool           `json:"removed,omitempty"`
}

type entitiesResp struct {
	Entities []EntityRecord `json:"entities"`
}

// FetchSnapshots loads authoritative snapshots. Concurrent calls for the same
// id set share one request.
func (c *Client) FetchSnapshots(ctx context.Context, ids []string) ([]wire.Event, error) {
	key := "*"
	if len(ids) > 0 {
		sorted := slices.Clone(ids)
		slices.Sort(sorted)
		key = strings.Join(slices.Compact(sorted), ",")
	}
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		return c.fetchSnapshots(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	// 共享结果，调用方各拿一份
	events, ok := v.([]wire.Event)
	if !ok {
		return nil, errors.New("internal type error")
	}
	return slices.Clone(events), nil
}

func (c *Client) fetchSnapshots(ctx context.Context, key string) ([]wire.Event, error) {
	u := c.baseURL + "/v1/entities"
	if key != "*" {
		u += "?ids=" + url.QueryEscape(key)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("snapshot token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: /v1/entities", ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream /v1/entities: unexpected status %d", resp.StatusCode)
	}

	var body entitiesResp
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}
	events := make([]wire.Event, 0, len(body.Entities))
	for _, r := range body.Entities {
		if r.EntityID == "" || (r.Sequence == 0 && r.ServerTime <= 0) {
			continue
		}
		typ := wire.EventSnapshot
		if r.Removed {
			typ = wire.EventRemove
		}
		events = append(events, wire.Event{
			EntityID:   r.EntityID,
			Type:       typ,
			Sequence:   r.Sequence,
			ServerTime: r.ServerTime,
			Fields:     r.Fields,
		})
	}
	return events, nil
}
