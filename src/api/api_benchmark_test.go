package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/sessionfabric/control-plane/src/auth"
	"github.com/sessionfabric/control-plane/src/bridge"
	"github.com/sessionfabric/control-plane/src/manager"
	"github.com/sessionfabric/control-plane/src/registry"
	"github.com/sessionfabric/control-plane/src/store"
	"github.com/sessionfabric/control-plane/src/tma"
)

// DummyResponseWriter implements http.ResponseWriter but discards all data.
// This eliminates overhead from httptest.NewRecorder() in benchmarks.
type DummyResponseWriter struct{}

func (d *DummyResponseWriter) Header() http.Header {
	return http.Header{}
}

func (d *DummyResponseWriter) Write(data []byte) (int, error) {
	return len(data), nil
}

func (d *DummyResponseWriter) WriteHeader(statusCode int) {}

// benchDeps builds a fresh in-memory-store router stack for one benchmark.
func benchDeps(b *testing.B) (*gin.Engine, *auth.Issuer) {
	b.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		b.Fatalf("open store: %v", err)
	}
	b.Cleanup(func() { st.Close() })

	tmaMgr := tma.NewManager()
	bridges := bridge.NewRegistry(tmaMgr)
	mgr := manager.New(st, tmaMgr, bridges, b.TempDir(), "/bin/sh")
	reg := registry.New(st)
	mgr.SetRegistry(reg)
	issuer := auth.NewIssuer("benchmark-secret", 0)

	router := SetupRouter(Deps{
		Store:    st,
		Manager:  mgr,
		Registry: reg,
		Issuer:   issuer,
		DataDir:  b.TempDir(),
	}, true, false)
	return router, issuer
}

func bearerHeaderFor(b *testing.B, issuer *auth.Issuer) string {
	b.Helper()
	token, err := issuer.Issue("owner-bench")
	if err != nil {
		b.Fatalf("issue token: %v", err)
	}
	return "Bearer " + token
}

// benchmarkRequest executes an HTTP request against the router for benchmarking.
// It recreates the request body for each iteration since HTTP request bodies
// can only be read once.
func benchmarkRequest(b *testing.B, router *gin.Engine, method, path string, body []byte, authHeader string) {
	w := new(DummyResponseWriter)
	for b.Loop() {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewBuffer(body)
		}
		req, _ := http.NewRequest(method, path, bodyReader)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
		router.ServeHTTP(w, req)
	}
}

// BenchmarkHealth benchmarks the unauthenticated health endpoint.
func BenchmarkHealth(b *testing.B) {
	router, _ := benchDeps(b)
	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = io.Discard
	benchmarkRequest(b, router, http.MethodGet, "/health", nil, "")
}

// BenchmarkListSessionsEmpty benchmarks listing sessions for an owner with
// none yet created.
func BenchmarkListSessionsEmpty(b *testing.B) {
	router, issuer := benchDeps(b)
	authHeader := bearerHeaderFor(b, issuer)
	benchmarkRequest(b, router, http.MethodGet, "/api/sessions", nil, authHeader)
}

// BenchmarkCreateSession benchmarks terminal session creation end to end
// through the HTTP layer, including the backing PTY spawn.
func BenchmarkCreateSession(b *testing.B) {
	router, issuer := benchDeps(b)
	authHeader := bearerHeaderFor(b, issuer)

	w := new(DummyResponseWriter)
	for b.Loop() {
		body, _ := json.Marshal(map[string]any{
			"mode":    "terminal",
			"command": "/bin/sh",
		})
		req, _ := http.NewRequest(http.MethodPost, "/api/sessions", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", authHeader)
		router.ServeHTTP(w, req)
	}
}

// BenchmarkGetConfig benchmarks the owner-scoped config read path.
func BenchmarkGetConfig(b *testing.B) {
	router, issuer := benchDeps(b)
	authHeader := bearerHeaderFor(b, issuer)
	benchmarkRequest(b, router, http.MethodGet, "/api/config", nil, authHeader)
}
