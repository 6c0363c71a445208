package debug

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "cellwatch/internal/observability/metrics"
	logx "cellwatch/pkg/logx"
)

func TestHandlerRequiresToken(t *testing.T) {
	h := Handler(Config{Token: "s3cret"}, nil)
	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "no token", path: "/healthz", want: http.StatusUnauthorized},
		{name: "wrong token", path: "/healthz?token=nope", want: http.StatusUnauthorized},
		{name: "query token", path: "/healthz?token=s3cret", want: http.StatusOK},
		{name: "bearer", path: "/metrics", header: "Bearer s3cret", want: http.StatusOK},
		{name: "pprof index", path: "/debug/pprof/?token=s3cret", want: http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.path, nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Fatalf("%s: status = %d, want %d", tt.name, rec.Code, tt.want)
		}
	}
}

func TestHealthz(t *testing.T) {
	healthy := true
	h := Handler(Config{}, func(context.Context) (any, bool) {
		return map[string]any{"connected": healthy}, healthy
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || doc["connected"] != true {
		t.Fatalf("status=%d doc=%v", rec.Code, doc)
	}

	healthy = false
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestMetricsExposesCollectors(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler(Config{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "cellwatch_session_connected") {
		t.Fatal("metrics output missing cellwatch collectors")
	}
}

func TestServerLifecycle(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	s.Stop(context.Background())
	if s.Addr() != "" {
		t.Fatal("addr not cleared on stop")
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	if err := s.Start(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("err = %v, want ErrInsecureBind", err)
	}
}
