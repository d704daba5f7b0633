package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/ruralpay/walletledger/internal/apperr"
	"github.com/ruralpay/walletledger/internal/services"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	maxBodyBytes = 1 << 20
)

type IdempotencyGate interface {
	Execute(ctx context.Context, req services.IdempotentRequest, handler func(ctx context.Context) (services.StoredResponse, error)) (services.StoredResponse, bool, error)
}

// responseRecorder buffers the handler's response so the gate can store it
// before anything reaches the client.
type responseRecorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header), status: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) Write(b []byte) (int, error) { return r.body.Write(b) }

func (r *responseRecorder) WriteHeader(status int) { r.status = status }

// Idempotency runs the wrapped handler at most once per Idempotency-Key and
// replays the stored JSON response for repeats.
func Idempotency(gate IdempotencyGate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				services.SendAppError(w, apperr.Wrap(apperr.KindInvalidRequest, "Could not read request body", err))
				return
			}
			r.Body.Close()

			req := services.IdempotentRequest{
				Key:         r.Header.Get(HeaderIdempotencyKey),
				Method:      r.Method,
				Path:        r.URL.Path,
				Fingerprint: services.Fingerprint(r.Method, r.URL.Path, body),
			}

			resp, replayed, err := gate.Execute(r.Context(), req, func(ctx context.Context) (services.StoredResponse, error) {
				rec := newResponseRecorder()
				inner := r.Clone(ctx)
				inner.Body = io.NopCloser(bytes.NewReader(body))
				next.ServeHTTP(rec, inner)
				return services.StoredResponse{StatusCode: rec.status, Body: rec.body.Bytes()}, nil
			})
			if err != nil {
				services.SendAppError(w, err)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			if replayed {
				w.Header().Set(HeaderReplayed, "true")
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
		})
	}
}
