package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/saltyorg/markerplow/internal/markers"
	"github.com/saltyorg/markerplow/internal/playback"
	"github.com/saltyorg/markerplow/internal/queue"
	"github.com/saltyorg/markerplow/internal/web/handlers"
	"github.com/saltyorg/markerplow/internal/web/sse"
)

type staticKey string

func (k staticKey) Validate(key string) (bool, error) {
	return key == string(k), nil
}

type idleMonitor struct{}

func (idleMonitor) HandleEvent(ev playback.Event) {}
func (idleMonitor) Sessions() []playback.SessionInfo { return nil }

type idlePipeline struct{}

func (idlePipeline) Enqueue(name queue.Name, item markers.Item) error { return nil }
func (idlePipeline) UpdateConcurrencyBudget(n int) {}
func (idlePipeline) Status() queue.Status { return queue.Status{Budget: 1} }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	broker := sse.NewBroker()
	t.Cleanup(broker.Stop)
	return NewServer(Options{}, broker, staticKey("secret"), handlers.Deps{
		Monitor:  idleMonitor{},
		Pipeline: idlePipeline{},
		Apply:    func(ctx context.Context) error { return nil },
	})
}

func TestRoutes(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		target string
		key    string
		want   int
	}{
		{"healthz is public", http.MethodGet, "/healthz", "", http.StatusOK},
		{"metrics is public", http.MethodGet, "/metrics", "", http.StatusOK},
		{"api requires key", http.MethodGet, "/api/status", "", http.StatusUnauthorized},
		{"api rejects wrong key", http.MethodGet, "/api/status", "nope", http.StatusUnauthorized},
		{"status with key", http.MethodGet, "/api/status", "secret", http.StatusOK},
		{"sessions with key", http.MethodGet, "/api/sessions", "secret", http.StatusOK},
		{"unknown route", http.MethodGet, "/api/nothing", "secret", http.StatusNotFound},
		{"backfill without sweeper", http.MethodPost, "/api/backfill/run", "secret", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.key != "" {
				req.Header.Set("X-Api-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			s.Router().ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	s := newTestServer(t)
	s.bind = "127.0.0.1"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}
