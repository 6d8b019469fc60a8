package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCORSConfig struct {
	origins []string
}

func (c testCORSConfig) GetAllowedOrigins() []string { return c.origins }
func (c testCORSConfig) GetAllowedMethods() []string { return []string{"GET", "POST", "OPTIONS"} }
func (c testCORSConfig) GetAllowedHeaders() []string { return []string{"Content-Type", "X-Correlation-ID"} }
func (c testCORSConfig) GetExposedHeaders() []string { return []string{"X-Detection-Data"} }
func (c testCORSConfig) GetMaxAge() int              { return 600 }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestCorrelationID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var seen string

	handler := CorrelationID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Len(t, seen, correlationIDSize*2)
		assert.Equal(t, seen, rr.Header().Get(CorrelationIDHeader))
	})

	t.Run("client supplied", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(CorrelationIDHeader, "trace-abc_123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		assert.Equal(t, "trace-abc_123", seen)
		assert.Equal(t, "trace-abc_123", rr.Header().Get(CorrelationIDHeader))
	})

	t.Run("unsafe value replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(CorrelationIDHeader, "bad value\r\nX-Injected: 1")

		handler.ServeHTTP(httptest.NewRecorder(), req)

		assert.NotContains(t, seen, " ")
		assert.Len(t, seen, correlationIDSize*2)
	})

	t.Run("too long replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(CorrelationIDHeader, strings.Repeat("a", maxCorrelationIDLength+1))

		handler.ServeHTTP(httptest.NewRecorder(), req)

		assert.Len(t, seen, correlationIDSize*2)
	})
}

func TestGetCorrelationID_Missing(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, "unknown", GetCorrelationID(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
}

func TestRecovery(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var logs bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	handler := Apply(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("engine exploded")
		}),
		WithCorrelationID(),
		WithRecovery(logger),
	)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/detect", nil))

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	var problem map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&problem))
	assert.Equal(t, "Internal Server Error", problem["title"])
	assert.Equal(t, rr.Header().Get(CorrelationIDHeader), problem["correlationId"])

	assert.Contains(t, logs.String(), "engine exploded")
}

func TestRecovery_AbortHandlerPropagates(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	handler := Recovery(slog.New(slog.DiscardHandler))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestCORS(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("wildcard", func(t *testing.T) {
		rr := httptest.NewRecorder()
		CORS(testCORSConfig{origins: []string{"*"}})(okHandler()).
			ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "X-Detection-Data", rr.Header().Get("Access-Control-Expose-Headers"))
		assert.Equal(t, "600", rr.Header().Get("Access-Control-Max-Age"))
	})

	t.Run("allowed origin echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://dashboard.example")

		rr := httptest.NewRecorder()
		CORS(testCORSConfig{origins: []string{"https://dashboard.example"}})(okHandler()).ServeHTTP(rr, req)

		assert.Equal(t, "https://dashboard.example", rr.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", rr.Header().Get("Vary"))
	})

	t.Run("unknown origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example")

		rr := httptest.NewRecorder()
		CORS(testCORSConfig{origins: []string{"https://dashboard.example"}})(okHandler()).ServeHTTP(rr, req)

		assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("preflight", func(t *testing.T) {
		called := false
		next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })

		rr := httptest.NewRecorder()
		CORS(testCORSConfig{origins: []string{"*"}})(next).
			ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/api/v1/detect", nil))

		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.False(t, called)
		assert.Equal(t, "GET, POST, OPTIONS", rr.Header().Get("Access-Control-Allow-Methods"))
	})
}

func TestRequestLogger(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var logs bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	handler := Apply(okHandler(), WithCorrelationID(), WithRequestLogger(logger))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(CorrelationIDHeader, "req-42")

	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
	assert.Equal(t, "HTTP request completed", entry["msg"])
	assert.Equal(t, "/ping", entry["path"])
	assert.Equal(t, float64(http.StatusOK), entry["status_code"])
	assert.Equal(t, float64(2), entry["bytes"])
	assert.Equal(t, "req-42", entry["correlation_id"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestRequestLogger_ServerErrorsWarn(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var logs bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ready", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, float64(http.StatusServiceUnavailable), entry["status_code"])
}

func TestApply_Order(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var order []string

	tag := func(name string) Option {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	Apply(okHandler(), tag("outer"), tag("inner")).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestLoadConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("EDGEDETECT_CLIENT_RPS", "7")
	t.Setenv("EDGEDETECT_TRUST_PROXY", "true")

	cfg := LoadConfig()

	assert.Equal(t, defaultGlobalRPS, cfg.GlobalRPS)
	assert.Equal(t, 7, cfg.ClientRPS)
	assert.True(t, cfg.TrustProxy)
	assert.Equal(t, defaultMaxClients, cfg.MaxClients)
}
