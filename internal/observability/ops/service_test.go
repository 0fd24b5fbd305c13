package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "fetchsched/pkg/logx"
)

type fakeProvider struct {
	healthErr error
}

func (f fakeProvider) Health(context.Context) error { return f.healthErr }
func (f fakeProvider) Status(context.Context) any {
	return map[string]any{"pool": map[string]int{"acked": 3}}
}

func do(t *testing.T, h http.Handler, path, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()
	s := New(Config{}, fakeProvider{}, logx.Nop())
	h := s.Handler(Config{Token: "s3cret", PprofEnabled: true, PprofPrefix: "/dbg"})

	cases := []struct {
		name string
		path string
		auth string
		want int
	}{
		{"healthz open", "/healthz", "", http.StatusOK},
		{"status needs token", "/status", "", http.StatusUnauthorized},
		{"status wrong token", "/status", "Bearer nope", http.StatusUnauthorized},
		{"status bearer", "/status", "Bearer s3cret", http.StatusOK},
		{"status query token", "/status?token=s3cret", "", http.StatusOK},
		{"pprof index", "/dbg/", "Bearer s3cret", http.StatusOK},
		{"pprof redirect", "/dbg", "", http.StatusPermanentRedirect},
		{"pprof needs token", "/dbg/cmdline", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := do(t, h, tc.path, tc.auth); rec.Code != tc.want {
				t.Fatalf("%s: code = %d, want %d", tc.path, rec.Code, tc.want)
			}
		})
	}

	rec := do(t, h, "/status", "Bearer s3cret")
	var body map[string]map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["pool"]["acked"] != 3 {
		t.Fatalf("status body = %s (%v)", rec.Body.String(), err)
	}
}

func TestHealthzReportsProviderError(t *testing.T) {
	t.Parallel()
	s := New(Config{}, fakeProvider{healthErr: errors.New("storage: database is closed")}, logx.Nop())
	rec := do(t, s.Handler(Config{}), "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "database is closed") {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestPprofDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())
	if rec := do(t, s.Handler(Config{}), "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof served while disabled: %d", rec.Code)
	}
}

func TestServiceStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, fakeProvider{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("ops server never bound")
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(b) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, b)
	}

	stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
	defer c()
	s.Stop(stopCtx)
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatal("service still running after Stop")
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	err := s.serveOnce(context.Background(), func() { t.Fatal("bound despite insecure config") })
	if err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("serveOnce err = %v", err)
	}
}

func TestNormalizePrefixAndLoopback(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{"": "/debug/pprof/", "dbg": "/dbg/", "/x/": "/x/"} {
		if got := normalizePrefix(in); got != want {
			t.Fatalf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
	for addr, want := range map[string]bool{"127.0.0.1:1": true, "localhost:1": true, "[::1]:1": true, ":1": false, "10.0.0.1:1": false, "bad": false} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
