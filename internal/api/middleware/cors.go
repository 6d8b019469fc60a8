package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig supplies CORS settings; implemented by api.CORSConfig.
type CORSConfig interface {
	GetAllowedOrigins() []string
	GetAllowedMethods() []string
	GetAllowedHeaders() []string
	GetExposedHeaders() []string
	GetMaxAge() int
}

// CORS creates a middleware that handles Cross-Origin Resource Sharing.
// Preflight requests are answered with 204 and never reach the handler.
func CORS(config CORSConfig) func(http.Handler) http.Handler {
	allowAll := len(config.GetAllowedOrigins()) == 1 && config.GetAllowedOrigins()[0] == "*"

	allowed := make(map[string]struct{}, len(config.GetAllowedOrigins()))
	for _, origin := range config.GetAllowedOrigins() {
		allowed[origin] = struct{}{}
	}

	methods := strings.Join(config.GetAllowedMethods(), ", ")
	headers := strings.Join(config.GetAllowedHeaders(), ", ")
	exposed := strings.Join(config.GetExposedHeaders(), ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()

			switch origin := r.Header.Get("Origin"); {
			case allowAll:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin != "":
				h.Add("Vary", "Origin")

				if _, ok := allowed[origin]; ok {
					h.Set("Access-Control-Allow-Origin", origin)
				}
			}

			if methods != "" {
				h.Set("Access-Control-Allow-Methods", methods)
			}

			if headers != "" {
				h.Set("Access-Control-Allow-Headers", headers)
			}

			if exposed != "" {
				h.Set("Access-Control-Expose-Headers", exposed)
			}

			if maxAge := config.GetMaxAge(); maxAge > 0 {
				h.Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
