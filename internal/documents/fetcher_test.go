package documents

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/relayctl/internal/credentials"
	"github.com/danmuck/relayctl/internal/doccache"
	"github.com/danmuck/relayctl/internal/testutil/testlog"
)

type upstream struct {
	srv   *httptest.Server
	hits  atomic.Int64
	token atomic.Value
	body  atomic.Value
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.body.Store(`{"name":"v1"}`)
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		u.token.Store(r.Header.Get("Authorization"))
		if r.URL.Path != "/files/abc" {
			http.Error(w, `{"err":"not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(u.body.Load().(string)))
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func TestFetchCachesUntilRefresh(t *testing.T) {
	testlog.Start(t)
	up := newUpstream(t)
	f := NewFetcher(Config{BaseURL: up.srv.URL + "/"}, credentials.Static{"u1": "tok"}, doccache.NewMemory(time.Minute))
	ctx := context.Background()

	body, err := f.Fetch(ctx, "u1", "abc", false)
	if err != nil || string(body) != `{"name":"v1"}` {
		t.Fatalf("first fetch: %q err=%v", body, err)
	}
	if got := up.token.Load(); got != "Bearer tok" {
		t.Fatalf("expected bearer token upstream, got %v", got)
	}

	up.body.Store(`{"name":"v2"}`)
	body, _ = f.Fetch(ctx, "u1", "abc", false)
	if string(body) != `{"name":"v1"}` || up.hits.Load() != 1 {
		t.Fatalf("expected cached v1 without upstream hit, got %q hits=%d", body, up.hits.Load())
	}

	body, _ = f.Fetch(ctx, "u1", "abc", true)
	if string(body) != `{"name":"v2"}` || up.hits.Load() != 2 {
		t.Fatalf("refresh must bypass cache, got %q hits=%d", body, up.hits.Load())
	}
	body, _ = f.Fetch(ctx, "u1", "abc", false)
	if string(body) != `{"name":"v2"}` {
		t.Fatalf("refresh must update the cache, got %q", body)
	}
}

func TestFetchWithoutCredential(t *testing.T) {
	up := newUpstream(t)
	f := NewFetcher(Config{BaseURL: up.srv.URL}, credentials.Static{}, nil)

	_, err := f.Fetch(context.Background(), "nobody", "abc", false)
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if up.hits.Load() != 0 {
		t.Fatalf("upstream called without credential")
	}
}

func TestFetchUpstreamError(t *testing.T) {
	up := newUpstream(t)
	f := NewFetcher(Config{BaseURL: up.srv.URL}, credentials.Static{"u1": "tok"}, doccache.NewMemory(time.Minute))

	_, err := f.Fetch(context.Background(), "u1", "missing", false)
	var upErr *UpstreamError
	if !errors.As(err, &upErr) || upErr.Status != http.StatusNotFound {
		t.Fatalf("expected upstream 404, got %v", err)
	}
}

func TestFetchRequiresKey(t *testing.T) {
	f := NewFetcher(Config{}, nil, nil)
	if _, err := f.Fetch(context.Background(), "u1", " ", false); !errors.Is(err, ErrKeyRequired) {
		t.Fatalf("expected ErrKeyRequired, got %v", err)
	}
}

func TestFetchCacheIsPerIdentity(t *testing.T) {
	up := newUpstream(t)
	f := NewFetcher(Config{BaseURL: up.srv.URL}, credentials.Static{"u1": "tok"}, doccache.NewMemory(time.Minute))
	ctx := context.Background()

	if _, err := f.Fetch(ctx, "u1", "abc", false); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, err := f.Fetch(ctx, "u2", "abc", false); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("another identity must not read u1's cached copy, got %v", err)
	}
}
