package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/lmproxy/llmproxy/pkg/ledger"
	"github.com/lmproxy/llmproxy/pkg/registry"
)

type fakeResolver struct {
	handle *registry.BackendHandle
	err    error
}

func (f *fakeResolver) EnsureWithDefaultKeepAlive(ctx context.Context, name string) (*registry.BackendHandle, error) {
	return f.handle, f.err
}

func portOf(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parsing url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parsing port: %v", err)
	}
	return port
}

func TestHealthRoute(t *testing.T) {
	h := newWithResolver(&fakeResolver{}, time.Minute, nil)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Fatalf("body = %q, want %q", body, "ok")
	}
}

func TestProxyRouteForwardsAndReleasesTokenOnCompletion(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("backend saw " + r.URL.Path))
	}))
	defer backend.Close()

	led := ledger.New(nil, time.Now().Add(time.Minute), time.Minute)
	handle := &registry.BackendHandle{Name: "m", Port: portOf(t, backend.URL), Ledger: led}
	h := newWithResolver(&fakeResolver{handle: handle}, time.Minute, nil)

	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/proxy/m/ping")
	if err != nil {
		t.Fatalf("GET /proxy/m/ping: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if string(body) != "backend saw /ping" {
		t.Fatalf("body = %q, want %q", body, "backend saw /ping")
	}
	if got := led.TokenCount(); got != 0 {
		t.Errorf("ledger has %d outstanding tokens after response read to completion, want 0", got)
	}
}

func TestV1RouteExtractsModelFromBodyAndForwardsVerbatim(t *testing.T) {
	var sawPath string
	var sawBody []byte
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawPath = r.URL.Path
		sawBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	led := ledger.New(nil, time.Now().Add(time.Minute), time.Minute)
	handle := &registry.BackendHandle{Name: "m", Port: portOf(t, backend.URL), Ledger: led}
	h := newWithResolver(&fakeResolver{handle: handle}, time.Minute, nil)

	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	const payload = `{"model":"m","messages":[]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /v1/chat/completions: %v", err)
	}
	resp.Body.Close()

	if sawPath != "/v1/chat/completions" {
		t.Errorf("backend saw path %q, want %q", sawPath, "/v1/chat/completions")
	}
	if string(sawBody) != payload {
		t.Errorf("backend saw body %q, want exact original %q", sawBody, payload)
	}
}

func TestProxyRouteUnknownModelReturns500(t *testing.T) {
	h := newWithResolver(&fakeResolver{err: registry.ErrUnknownModel}, time.Minute, nil)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/proxy/ghost/anything")
	if err != nil {
		t.Fatalf("GET /proxy/ghost/anything: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Something went wrong") {
		t.Errorf("body = %q, want a %q prefix", body, "Something went wrong")
	}
}

func TestProxyRouteUpstreamTransportErrorReleasesToken(t *testing.T) {
	led := ledger.New(nil, time.Now().Add(time.Minute), time.Minute)
	// An arbitrary closed port: nothing listens there, so the round trip
	// fails at the transport level.
	handle := &registry.BackendHandle{Name: "m", Port: 1, Ledger: led}
	h := newWithResolver(&fakeResolver{handle: handle}, time.Minute, nil)

	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/proxy/m/ping")
	if err != nil {
		t.Fatalf("GET /proxy/m/ping: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if got := led.TokenCount(); got != 0 {
		t.Errorf("ledger has %d outstanding tokens after transport failure, want 0", got)
	}
}

func TestWriteErrorFormatsMessage(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, nil, errors.New("boom"))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "Something went wrong: boom" {
		t.Fatalf("body = %q, want %q", got, "Something went wrong: boom")
	}
}
