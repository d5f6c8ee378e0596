package middleware_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	cachemem "github.com/Modulend/core-v1/internal/cache/memory"
	"github.com/Modulend/core-v1/internal/crypto"
	"github.com/Modulend/core-v1/internal/server/middleware"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echoCaller() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := middleware.CallerFrom(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(caller.Hex()))
	})
}

func TestSignedRequest(t *testing.T) {
	signer, err := crypto.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1_700_000_000, 0)
	h := middleware.SignedRequest(time.Minute, func() time.Time { return now })(echoCaller())

	const body = `{"hash":"0x01"}`
	sign := func(ts time.Time, path, signedBody string) map[string]string {
		headers, err := signer.RequestHeadersAt(http.MethodPost, path, signedBody, ts.Unix())
		if err != nil {
			t.Fatal(err)
		}
		return headers
	}

	tests := []struct {
		name    string
		headers map[string]string
		path    string
		status  int
	}{
		{name: "valid", headers: sign(now, "/kick", body), path: "/kick", status: http.StatusOK},
		{name: "missing headers", path: "/kick", status: http.StatusUnauthorized},
		{name: "stale timestamp", headers: sign(now.Add(-2*time.Minute), "/kick", body), path: "/kick", status: http.StatusUnauthorized},
		{name: "other path", headers: sign(now, "/exit", body), path: "/kick", status: http.StatusUnauthorized},
		{name: "other body", headers: sign(now, "/kick", `{"hash":"0x02"}`), path: "/kick", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(body))
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if tt.status == http.StatusOK && rec.Body.String() != signer.Address().Hex() {
				t.Fatalf("caller = %s, want %s", rec.Body.String(), signer.Address().Hex())
			}
		})
	}
}

func TestSignedRequest_ErrorBodies(t *testing.T) {
	h := middleware.SignedRequest(time.Minute, nil)(echoCaller())

	tests := []struct {
		name string
		body string
		code int
		msg  string
	}{
		{"missing headers", `{}`, http.StatusUnauthorized, "missing signed request headers"},
		{"oversized body", strings.Repeat("x", 1<<20+1), http.StatusRequestEntityTooLarge, "request body too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(tt.body)))
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d", rec.Code, tt.code)
			}
			var out map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if out["error"] != tt.msg {
				t.Fatalf("error = %q, want %q", out["error"], tt.msg)
			}
		})
	}
}

func TestSignedRequest_RestoresBody(t *testing.T) {
	signer, _ := crypto.GenerateSigner()
	const body = `{"a":1}`
	var seen string
	h := middleware.SignedRequest(time.Minute, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(strings.Builder)
		if _, err := io.Copy(buf, r.Body); err != nil {
			t.Error(err)
		}
		seen = buf.String()
	}))

	headers, _ := signer.RequestHeaders(http.MethodPost, "/x", body)
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != body {
		t.Fatalf("handler saw %q, want %q", seen, body)
	}
}

func TestRateLimit(t *testing.T) {
	h := middleware.RateLimit(cachemem.NewRateLimiter(), 2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 0, 4)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	// A different client is counted separately.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.2, 10.0.0.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	codes = append(codes, rec.Code)

	want := []int{200, 200, 429, 200}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("codes = %v, want %v", codes, want)
		}
	}
}

func TestCORS(t *testing.T) {
	h := middleware.CORS([]string{"https://app.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Fatalf("preflight = %d %v", rec.Code, rec.Header())
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), crypto.HeaderSignature) {
		t.Fatal("signature header not allowed")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("foreign origin allowed")
	}
}

func TestLogging_RequestID(t *testing.T) {
	h := middleware.Logging(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get(middleware.RequestIDHeader) == "" {
		t.Fatal("no request id assigned")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-"+strconv.Itoa(7))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(middleware.RequestIDHeader); got != "req-7" {
		t.Fatalf("request id = %q, want req-7", got)
	}
}
