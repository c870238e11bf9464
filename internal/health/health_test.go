package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// edgeChecker mimics the server's readiness check over the edge processor.
func edgeChecker(enabled bool) Checker {
	return Checker{Name: "edge", Check: func(context.Context) error {
		if !enabled {
			return errors.New("processor disabled")
		}
		return nil
	}}
}

// doGet issues a GET against the given handler method and decodes the body.
func doGet(t *testing.T, serve http.HandlerFunc, path string) (int, result) {
	t.Helper()

	rec := httptest.NewRecorder()
	serve(rec, httptest.NewRequest("GET", path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s body: %v", path, err)
	}
	return rec.Code, body
}

func TestHealthzAlwaysOK(t *testing.T) {
	t.Parallel()

	// Liveness ignores checkers entirely, even failing ones.
	h := New(edgeChecker(false))
	code, body := doGet(t, h.Healthz, "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", code, body.Status)
	}
}

func TestReadyzReportsPerChecker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantChecks map[string]string
	}{
		{
			name:     "no checkers",
			wantCode: http.StatusOK,
		},
		{
			name: "edge and store ready",
			checkers: []Checker{
				edgeChecker(true),
				{Name: "learning_store", Check: func(context.Context) error { return nil }},
			},
			wantCode:   http.StatusOK,
			wantChecks: map[string]string{"edge": "ok", "learning_store": "ok"},
		},
		{
			name: "store unreachable",
			checkers: []Checker{
				edgeChecker(true),
				{Name: "learning_store", Check: func(context.Context) error {
					return errors.New("dial tcp: connection refused")
				}},
			},
			wantCode: http.StatusServiceUnavailable,
			wantChecks: map[string]string{
				"edge":           "ok",
				"learning_store": "fail: dial tcp: connection refused",
			},
		},
		{
			name:       "processor disabled",
			checkers:   []Checker{edgeChecker(false)},
			wantCode:   http.StatusServiceUnavailable,
			wantChecks: map[string]string{"edge": "fail: processor disabled"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := New(tc.checkers...)
			code, body := doGet(t, h.Readyz, "/readyz")
			if code != tc.wantCode {
				t.Errorf("status = %d, want %d", code, tc.wantCode)
			}
			wantStatus := "ok"
			if tc.wantCode != http.StatusOK {
				wantStatus = "fail"
			}
			if body.Status != wantStatus {
				t.Errorf("body status = %q, want %q", body.Status, wantStatus)
			}
			for name, want := range tc.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %q = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyzHonoursRequestCancellation(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "stalled_device", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestRegisterMountsEndpoints(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	New(edgeChecker(true)).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}
