package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/google/uuid"
)

const (
	// CorrelationIDHeader carries the request correlation id in both directions.
	CorrelationIDHeader = "X-Correlation-ID"

	correlationIDSize      = 8
	maxCorrelationIDLength = 64
)

type correlationIDKey struct{}

// CorrelationID creates a middleware that tags each request with a correlation ID.
// A well-formed X-Correlation-ID from the client is reused; anything else is replaced.
func CorrelationID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get(CorrelationIDHeader)
			if !validCorrelationID(correlationID) {
				correlationID = generateCorrelationID()
			}

			w.Header().Set(CorrelationIDHeader, correlationID)

			next.ServeHTTP(w, r.WithContext(withCorrelationID(r.Context(), correlationID)))
		})
	}
}

// withCorrelationID returns ctx carrying correlationID.
func withCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

// GetCorrelationID extracts the correlation ID from the request context.
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return correlationID
	}

	return "unknown"
}

// validCorrelationID accepts short ids made of letters, digits, '-' and '_'
// so client input cannot inject into logs or headers.
func validCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLength {
		return false
	}

	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}

	return true
}

func generateCorrelationID() string {
	b := make([]byte, correlationIDSize)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()
	}

	return hex.EncodeToString(b)
}
