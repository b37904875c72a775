package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func healthy(_ context.Context) error { return nil }

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) response {
	t.Helper()
	var body response
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthz_Liveness(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if body := decodeBody(t, rec); body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyz_AllDependenciesUp(t *testing.T) {
	h := New(
		Checker{Name: "database", Check: healthy},
		Checker{Name: "stt", Check: healthy},
		Checker{Name: "tts", Check: healthy},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := decodeBody(t, rec)
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	for _, name := range []string{"database", "stt", "tts"} {
		check, found := body.Checks[name]
		if !found {
			t.Errorf("check %q missing from response", name)
			continue
		}
		if check.Status != "ok" {
			t.Errorf("check %q status = %q, want ok", name, check.Status)
		}
		if check.Latency == "" {
			t.Errorf("check %q has no latency", name)
		}
	}
}

func TestReadyz_DatabaseDown(t *testing.T) {
	h := New(
		Checker{Name: "database", Check: func(_ context.Context) error {
			return errors.New("pgx pool: connection refused")
		}},
		Checker{Name: "stt", Check: healthy},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	body := decodeBody(t, rec)
	if body.Status != "fail" {
		t.Errorf("status = %q, want fail", body.Status)
	}
	db := body.Checks["database"]
	if db.Status != "fail" || db.Error != "pgx pool: connection refused" {
		t.Errorf("database check = %+v, want failure with pool error", db)
	}
	if stt := body.Checks["stt"]; stt.Status != "ok" {
		t.Errorf("healthy stt check reported %q", stt.Status)
	}
}

func TestReadyz_ReportsEveryFailure(t *testing.T) {
	h := New(
		Checker{Name: "stt", Check: func(_ context.Context) error {
			return errors.New("whisper server unreachable")
		}},
		Checker{Name: "tts", Check: func(_ context.Context) error {
			return errors.New("no synthesis backend configured")
		}},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	body := decodeBody(t, rec)
	if body.Checks["stt"].Error != "whisper server unreachable" {
		t.Errorf("stt check = %+v", body.Checks["stt"])
	}
	if body.Checks["tts"].Error != "no synthesis backend configured" {
		t.Errorf("tts check = %+v", body.Checks["tts"])
	}
}

func TestReadyz_NoCheckersIsReady(t *testing.T) {
	h := New()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	// The two checks rendezvous on an unbuffered channel. Sequential
	// execution would stall the first check until its timeout and fail.
	meet := make(chan struct{})
	h := New(
		Checker{Name: "database", Check: func(ctx context.Context) error {
			select {
			case meet <- struct{}{}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
		Checker{Name: "stt", Check: func(ctx context.Context) error {
			select {
			case <-meet:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
	)

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d (checks must run in parallel)", rec.Code, http.StatusOK)
	}
}

func TestReadyz_CancelledRequestFailsChecks(t *testing.T) {
	h := New(
		Checker{Name: "database", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRegister_Routes(t *testing.T) {
	h := New(Checker{Name: "database", Check: healthy})
	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}
