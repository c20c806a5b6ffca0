// Package proxy serves the three HTTP endpoints this server exposes,
// resolves the target model from the URL or request body, and forwards
// requests through a reverse proxy that keeps a backend's keep-alive
// ledger stamped for the duration of a streamed response.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/lmproxy/llmproxy/pkg/ledger"
	"github.com/lmproxy/llmproxy/pkg/registry"
	"github.com/sirupsen/logrus"
)

// backendResolver is the subset of *registry.Registry the handler depends
// on, kept as a narrow local interface so dispatch can be tested against a
// fake handle without spawning a real backend process.
type backendResolver interface {
	EnsureWithDefaultKeepAlive(ctx context.Context, name string) (*registry.BackendHandle, error)
}

// Handler serves the proxy's HTTP surface. It holds no per-backend state of
// its own — everything routable lives in the registry and its handles'
// ledgers.
type Handler struct {
	reg          backendResolver
	reqKeepAlive time.Duration
	log          *logrus.Entry
}

// NewHandler constructs a Handler. reqKeepAlive is D_req, the per-request
// keep-alive extension issued as a token for the lifetime of one forwarded
// request.
func NewHandler(reg *registry.Registry, reqKeepAlive time.Duration, log *logrus.Entry) *Handler {
	return newWithResolver(reg, reqKeepAlive, log)
}

func newWithResolver(reg backendResolver, reqKeepAlive time.Duration, log *logrus.Entry) *Handler {
	return &Handler{reg: reg, reqKeepAlive: reqKeepAlive, log: log}
}

// Routes builds the server mux:
//   - GET /health → "ok"
//   - ANY /proxy/{model}/{path...} → forwarded path is {path...}
//   - ANY /v1/{path...} → model comes from the request body; forwarded
//     path is "v1/" + {path...}
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("/proxy/{model}/{path...}", h.handleProxyRoute)
	mux.HandleFunc("/v1/{path...}", h.handleV1Route)
	return mux
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleProxyRoute(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	if model == "" {
		writeError(w, h.log, fmt.Errorf("%w: empty model segment in /proxy/ route", registry.ErrUnknownModel))
		return
	}
	h.dispatch(w, r, model, r.PathValue("path"))
}

func (h *Handler) handleV1Route(w http.ResponseWriter, r *http.Request) {
	model, err := modelFromBody(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.dispatch(w, r, model, "v1/"+r.PathValue("path"))
}

// dispatch resolves the backend handle (spawning it if necessary), issues
// a per-request keep-alive token, rewrites the request onto the backend's
// loopback port, and forwards it with a response body wrapped so the token
// is released exactly once when the stream ends or is dropped.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, model, forwardedPath string) {
	handle, err := h.reg.EnsureWithDefaultKeepAlive(r.Context(), model)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	token := handle.Ledger.IssueToken(time.Now().Add(h.reqKeepAlive))
	forwardToBackend(w, r, handle.Port, forwardedPath, handle.Ledger, token, h.log)
}

// forwardToBackend rewrites r onto 127.0.0.1:port/<forwardedPath> and
// streams the round trip through, wrapping the response body so
// ledger.ReleaseToken(token) fires exactly once — on stream completion or
// on drop, whichever comes first. Split out of dispatch so it can be
// exercised without a real registry/supervisor.
func forwardToBackend(w http.ResponseWriter, r *http.Request, port int, forwardedPath string, led *ledger.Ledger, token ledger.TokenID, log *logrus.Entry) {
	targetPath := "/" + strings.TrimPrefix(forwardedPath, "/")

	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = fmt.Sprintf("127.0.0.1:%d", port)
			req.URL.Path = targetPath
			req.Host = req.URL.Host
		},
		// -1 disables periodic flushing in favor of flushing on every
		// write, which is what streamed inference responses need.
		FlushInterval: -1,
		ModifyResponse: func(resp *http.Response) error {
			resp.Body = newCleanupBody(resp.Body, func() {
				led.ReleaseToken(token)
			})
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			led.ReleaseToken(token)
			writeError(w, log, fmt.Errorf("%w: %v", ErrUpstreamTransport, err))
		},
	}
	rp.ServeHTTP(w, r)
}

// writeError logs err at error level and writes the uniform client-facing
// failure body.
func writeError(w http.ResponseWriter, log *logrus.Entry, err error) {
	if log != nil {
		log.WithError(err).Error("request failed")
	}
	http.Error(w, fmt.Sprintf("Something went wrong: %v", err), http.StatusInternalServerError)
}
