package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Modulend/core-v1/internal/crypto"
)

// maxSignedBody caps the request body read for signature verification.
const maxSignedBody = 1 << 20

type callerKey struct{}

// SignedRequest returns middleware that authenticates the caller from the
// X-Modulend-* headers: a personal signature over timestamp, method, path
// and body. The recovered address is stored in the request context and the
// body is restored for the handler.
func SignedRequest(maxSkew time.Duration, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body []byte
			if r.Body != nil {
				raw, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
				if err != nil {
					writeUnauthorized(w, "unreadable request body")
					return
				}
				if len(raw) > maxSignedBody {
					writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
					return
				}
				body = raw
				r.Body = io.NopCloser(bytes.NewReader(raw))
			}

			caller, err := crypto.VerifyRequest(r.Header.Get, r.Method, r.URL.Path, string(body), now(), maxSkew)
			if err != nil {
				if errors.Is(err, crypto.ErrMissingHeaders) {
					writeUnauthorized(w, "missing signed request headers")
					return
				}
				writeUnauthorized(w, "invalid request signature")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// WithCaller returns a copy of ctx carrying the authenticated caller.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller stored by SignedRequest.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(common.Address)
	return caller, ok
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusUnauthorized, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
