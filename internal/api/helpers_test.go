package api

import (
	"bytes"
	"context"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/correlator-io/edgedetect/internal/detection"
	"github.com/correlator-io/edgedetect/internal/dispatch"
	"github.com/correlator-io/edgedetect/internal/objectstore"
	"github.com/correlator-io/edgedetect/internal/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[int64]*detection.Record
	nextID  int64

	insertErr  error
	getErr     error
	healthErr  error
	primaryErr error
	unsynced   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[int64]*detection.Record), nextID: 1}
}

func (s *fakeStore) Insert(_ context.Context, imagePath string, payload detection.Payload) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.insertErr != nil {
		return 0, s.insertErr
	}

	id := s.nextID
	s.nextID++
	s.records[id] = &detection.Record{ID: id, ImagePath: imagePath, Payload: payload.Normalize(), CreatedAt: 1700000000}

	return id, nil
}

func (s *fakeStore) Get(_ context.Context, id int64) (*detection.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getErr != nil {
		return nil, false, s.getErr
	}

	rec, ok := s.records[id]

	return rec, ok, nil
}

func (s *fakeStore) GetRecent(_ context.Context, limit int) ([]*detection.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*detection.Record, 0, limit)

	for id := s.nextID - 1; id > 0 && len(out) < limit; id-- {
		if rec, ok := s.records[id]; ok {
			out = append(out, rec)
		}
	}

	return out, nil
}

func (s *fakeStore) HealthCheck(context.Context) error        { return s.healthErr }
func (s *fakeStore) PrimaryHealthCheck(context.Context) error { return s.primaryErr }

func (s *fakeStore) Stats(context.Context) (*storage.CacheStats, error) {
	return &storage.CacheStats{Unsynced: s.unsynced}, nil
}

type fakeDispatcher struct {
	dispatch func(ctx context.Context, job dispatch.Job) (*dispatch.Result, error)
	enqueue  func(ctx context.Context, job dispatch.Job) (string, error)
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, job dispatch.Job) (*dispatch.Result, error) {
	return d.dispatch(ctx, job)
}

func (d *fakeDispatcher) Enqueue(ctx context.Context, job dispatch.Job) (string, error) {
	return d.enqueue(ctx, job)
}

type fakeHealth struct{ err error }

func (h fakeHealth) HealthCheck(context.Context) error { return h.err }

// echoDispatcher answers every job with one detection named after the file.
func echoDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		dispatch: func(_ context.Context, job dispatch.Job) (*dispatch.Result, error) {
			return &dispatch.Result{
				RequestID: "req-1",
				Filename:  job.Filename,
				ImagePath: job.StorageKey,
				Payload:   detection.Payload(`[{"name":"` + job.Filename + `"}]`),
			}, nil
		},
		enqueue: func(context.Context, dispatch.Job) (string, error) {
			return "req-stream", nil
		},
	}
}

type testServer struct {
	server  *Server
	handler http.Handler
	store   *fakeStore
	objects *objectstore.Filesystem
}

func testServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:               8080,
		Host:               "127.0.0.1",
		ReadTimeout:        time.Second,
		WriteTimeout:       time.Second,
		ShutdownTimeout:    time.Second,
		MaxUploadSize:      1 << 20,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST"},
		CORSAllowedHeaders: []string{"Content-Type"},
	}
}

func newTestServer(t *testing.T, d Dispatcher, mutate func(*Dependencies)) *testServer {
	t.Helper()

	objects, err := objectstore.NewFilesystem(filepath.Join(t.TempDir(), "images"))
	require.NoError(t, err)

	store := newFakeStore()
	deps := Dependencies{Store: store, Dispatcher: d, Objects: objects}

	if mutate != nil {
		mutate(&deps)
	}

	server, err := NewServer(testServerConfig(), deps, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	return &testServer{server: server, handler: server.Handler(), store: store, objects: objects}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)

	return rr
}

// newUpload builds a multipart request with content in the "file" field.
func newUpload(t *testing.T, path, filename string, content []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer

	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)

	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return req
}
