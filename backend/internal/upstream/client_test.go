package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncClient/backend/internal/wire"
)

func TestClient_LoginAndRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch r.URL.Path {
		case "/v1/auth/login":
			if body["password"] != "123456" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"bad credentials"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"accessToken": "a1", "refreshToken": "r1", "expiresIn": 1800, "tokenType": "Bearer",
			})
		case "/v1/auth/refresh":
			_ = json.NewEncoder(w).Encode(map[string]any{"accessToken": "a2", "expiresIn": 1800, "tokenType": "Bearer"})
		}
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL + "/"})
	pair, err := c.Login(context.Background(), "admin", "123456")
	require.NoError(t, err)
	assert.Equal(t, "a1", pair.AccessToken)
	assert.Equal(t, "r1", pair.RefreshToken)
	assert.Equal(t, 1800, pair.ExpiresIn)

	_, err = c.Login(context.Background(), "admin", "nope")
	assert.ErrorIs(t, err, ErrUnauthorized)

	pair, err = c.Refresh(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "a2", pair.AccessToken)
	assert.Empty(t, pair.RefreshToken)
}

func TestClient_ErrorKinds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			time.Sleep(200 * time.Millisecond)
		}
		w.WriteHeader(http.StatusBadGateway)
	}))

	c := New(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/boom", nil)
	_, err := c.Do(req)
	assert.True(t, IsKind(err, Server))
	var ue *Error
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusBadGateway, ue.Status)

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/slow", nil)
	_, err = c.Do(req)
	assert.True(t, IsKind(err, Timeout), "got %v", err)

	srv.Close()
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/gone", nil)
	_, err = c.Do(req)
	assert.True(t, IsKind(err, Network), "got %v", err)
}

func TestClient_FetchSnapshots(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "boat-1,boat-2", r.URL.Query().Get("ids"))
		<-release
		_ = json.NewEncoder(w).Encode(map[string]any{"entities": []map[string]any{
			{"entityId": "boat-1", "sequence": 12, "fields": map[string]any{"lat": 12.96}},
			{"entityId": "boat-2", "sequence": 4, "removed": true},
			{"entityId": "", "sequence": 1},
		}})
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Token: func(context.Context) (string, error) { return "tok", nil }})

	var wg sync.WaitGroup
	results := make([][]wire.Event, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids := []string{"boat-2", "boat-1"}
			if i%2 == 0 {
				ids = []string{"boat-1", "boat-2", "boat-1"}
			}
			evs, err := c.FetchSnapshots(context.Background(), ids)
			assert.NoError(t, err)
			results[i] = evs
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load(), "concurrent fetches collapse into one request")
	for _, evs := range results {
		require.Len(t, evs, 2)
		assert.Equal(t, wire.EventSnapshot, evs[0].Type)
		assert.Equal(t, uint64(12), evs[0].Sequence)
		assert.Equal(t, wire.EventRemove, evs[1].Type)
	}
}
