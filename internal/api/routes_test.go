package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/relayctl/internal/auth"
	"github.com/danmuck/relayctl/internal/credentials"
	"github.com/danmuck/relayctl/internal/documents"
	"github.com/danmuck/relayctl/internal/protocol/wire"
	"github.com/danmuck/relayctl/internal/relay"
	"github.com/danmuck/relayctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

type stubConn struct {
	id      string
	failing bool

	mu     sync.Mutex
	frames [][]byte
}

func (c *stubConn) ID() string         { return c.id }
func (c *stubConn) RemoteAddr() string { return "127.0.0.1:1" }
func (c *stubConn) Writable() bool     { return true }
func (c *stubConn) Send(_ context.Context, frame []byte) error {
	if c.failing {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

type apiFixture struct {
	relay  *relay.Relay
	router *gin.Engine
}

func newFixture(t *testing.T, mutate func(*Deps)) *apiFixture {
	t.Helper()
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := relay.New(relay.Config{PollInterval: 10 * time.Millisecond, WaitDeadline: 150 * time.Millisecond}, nil)
	deps := Deps{NodeName: "test", Relay: r}
	if mutate != nil {
		mutate(&deps)
	}
	return &apiFixture{relay: r, router: NewRouter(deps)}
}

func (f *apiFixture) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) register(t *testing.T, identity string, conn relay.Conn) {
	t.Helper()
	frame, _ := wire.EncodeRegister(identity)
	if _, err := f.relay.Ingest(context.Background(), conn, frame); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func (f *apiFixture) respond(t *testing.T, conn relay.Conn, correlationID, payload string) {
	t.Helper()
	frame, _ := wire.EncodeResponse(correlationID, json.RawMessage(payload))
	if _, err := f.relay.Ingest(context.Background(), conn, frame); err != nil {
		t.Fatalf("respond: %v", err)
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestPostCommandDelivered(t *testing.T) {
	f := newFixture(t, nil)
	conn := &stubConn{id: "c1"}
	f.register(t, "u1", conn)

	rec := f.do(http.MethodPost, "/commands", `{"target_identity":"u1","payload":{"action":"x"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	id, _ := body["correlation_id"].(string)
	if body["delivered"] != true || !strings.HasPrefix(id, "req_") {
		t.Fatalf("unexpected body %v", body)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.frames) != 1 {
		t.Fatalf("expected one frame written, got %d", len(conn.frames))
	}
	msg, err := wire.DecodeOutbound(conn.frames[0])
	if err != nil || msg.CorrelationID != id || string(msg.Payload) != `{"action":"x"}` {
		t.Fatalf("unexpected frame %s err=%v", conn.frames[0], err)
	}
}

func TestPostCommandCamelCaseFields(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "u1", &stubConn{id: "c1"})

	rec := f.do(http.MethodPost, "/commands", `{"targetIdentity":"u1","correlationId":"R7","payload":1}`)
	if rec.Code != http.StatusOK || decodeBody(t, rec)["correlation_id"] != "R7" {
		t.Fatalf("expected camelCase accepted, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestPostCommandStatusMapping(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "broken", &stubConn{id: "c2", failing: true})

	cases := []struct {
		name   string
		body   string
		status int
		errMsg string
	}{
		{name: "no connection", body: `{"target_identity":"ghost","payload":{}}`, status: http.StatusBadGateway, errMsg: relay.ReasonNoConnection},
		{name: "write failed", body: `{"target_identity":"broken","payload":{}}`, status: http.StatusBadGateway, errMsg: relay.ReasonWriteFailed},
		{name: "empty identity", body: `{"target_identity":"  ","payload":{}}`, status: http.StatusBadRequest},
		{name: "malformed body", body: `{"target_identity":`, status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/commands", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			body := decodeBody(t, rec)
			if body["delivered"] != false {
				t.Fatalf("expected delivered=false, got %v", body)
			}
			if tc.errMsg != "" && body["error"] != tc.errMsg {
				t.Fatalf("expected error %q, got %v", tc.errMsg, body["error"])
			}
		})
	}
}

func TestGetResponseStatusMapping(t *testing.T) {
	f := newFixture(t, nil)
	conn := &stubConn{id: "c1"}
	f.register(t, "u1", conn)

	if rec := f.do(http.MethodGet, "/responses/u1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on immediate miss, got %d", rec.Code)
	}

	start := time.Now()
	rec := f.do(http.MethodGet, "/responses/u1?wait=true", "")
	if rec.Code != http.StatusRequestTimeout {
		t.Fatalf("expected 408 after bounded wait, got %d", rec.Code)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("408 returned before deadline: %s", elapsed)
	}

	if rec := f.do(http.MethodGet, "/responses/u1?wait=maybe", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad wait flag, got %d", rec.Code)
	}

	f.respond(t, conn, "R1", `{"ok":true,"n":3}`)
	rec = f.do(http.MethodGet, "/responses/u1?correlation_id=R1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decodeBody(t, rec); got["ok"] != true || got["n"] != float64(3) {
		t.Fatalf("unexpected payload %v", got)
	}
	if rec.Header().Get("X-Correlation-Id") != "R1" {
		t.Fatalf("missing correlation header")
	}
	if rec := f.do(http.MethodGet, "/responses/u1?correlation_id=R1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected consumed response to be gone, got %d", rec.Code)
	}
}

func TestGetResponseWaitReturnsOnArrival(t *testing.T) {
	f := newFixture(t, nil)
	conn := &stubConn{id: "c1"}
	f.register(t, "u1", conn)

	go func() {
		time.Sleep(30 * time.Millisecond)
		f.respond(t, conn, "", `{"late":true}`)
	}()
	rec := f.do(http.MethodGet, "/responses/u1?wait=1", "")
	if rec.Code != http.StatusOK || decodeBody(t, rec)["late"] != true {
		t.Fatalf("expected late arrival, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestGetConnections(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "b", &stubConn{id: "cb"})
	f.register(t, "a", &stubConn{id: "ca"})

	rec := f.do(http.MethodGet, "/connections", "")
	var body struct {
		Connections []connectionView `json:"connections"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Connections) != 2 || body.Connections[0].Identity != "a" || body.Connections[0].ConnID != "ca" {
		t.Fatalf("unexpected connections %+v", body.Connections)
	}
}

func TestControllerRoutesRequireBearer(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Auth = auth.NewStaticToken("secret") })

	if rec := f.do(http.MethodGet, "/connections", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/connections", "", "Authorization", "Bearer secret"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	for _, path := range []string{"/health", "/ready", "/metrics"} {
		if rec := f.do(http.MethodGet, path, ""); rec.Code != http.StatusOK {
			t.Fatalf("%s must stay open, got %d", path, rec.Code)
		}
	}
}

func TestGetDocument(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`{"document":{"id":"0:0"}}`))
	}))
	defer upstream.Close()

	fetcher := documents.NewFetcher(documents.Config{BaseURL: upstream.URL}, credentials.Static{"u1": "tok"}, nil)
	f := newFixture(t, func(d *Deps) { d.Documents = fetcher })

	if rec := f.do(http.MethodGet, "/documents/u1/abc", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(http.MethodGet, "/documents/u2/abc", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credential, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/documents/u1/abc?refresh=nope", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad refresh flag, got %d", rec.Code)
	}
}

func TestGetDocumentNotConfigured(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(http.MethodGet, "/documents/u1/abc", ""); rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}

func TestGetTokensWithoutStore(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/tokens", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if tokens, ok := decodeBody(t, rec)["tokens"].([]any); !ok || len(tokens) != 0 {
		t.Fatalf("expected empty token list, got %s", rec.Body.String())
	}
}
