package server

import (
	"net/http"
	"strings"
)

// StorefrontHTTP is the surface the router dispatches to. The API type
// implements it; tests substitute stubs.
type StorefrontHTTP interface {
	ServeProducts(http.ResponseWriter, *http.Request)
	ServeAllProducts(http.ResponseWriter, *http.Request)
	ServeReplaceProducts(http.ResponseWriter, *http.Request)
	ServeRefine(http.ResponseWriter, *http.Request)
	ServeInteraction(http.ResponseWriter, *http.Request, string)
	ServeSession(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
	ServeMetrics(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
}

// NewHandler owns URL and method dispatch so the API handlers stay free of
// routing logic.
func NewHandler(s StorefrontHTTP) http.Handler {
	if s == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "storefront unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, arg, ok := parseRoute(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch route {
		case "products":
			switch r.Method {
			case http.MethodGet, http.MethodHead:
				s.ServeProducts(w, r)
			case http.MethodPut:
				s.ServeReplaceProducts(w, r)
			default:
				methodNotAllowed(s, w, http.MethodGet, http.MethodPut)
			}
		case "products/all":
			if !allow(s, w, r, http.MethodGet, http.MethodHead) {
				return
			}
			s.ServeAllProducts(w, r)
		case "products/refine":
			if !allow(s, w, r, http.MethodGet, http.MethodPost) {
				return
			}
			s.ServeRefine(w, r)
		case "interactions":
			if !allow(s, w, r, http.MethodPost) {
				return
			}
			s.ServeInteraction(w, r, arg)
		case "session":
			if !allow(s, w, r, http.MethodGet, http.MethodHead) {
				return
			}
			s.ServeSession(w, r)
		case "healthz":
			s.ServeHealth(w, r)
		case "metrics":
			s.ServeMetrics(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

func allow(s StorefrontHTTP, w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	methodNotAllowed(s, w, methods...)
	return false
}

func methodNotAllowed(s StorefrontHTTP, w http.ResponseWriter, methods ...string) {
	w.Header().Set("Allow", strings.Join(methods, ", "))
	s.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func parseRoute(path string) (string, string, bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", "", false
	}
	parts := strings.Split(trimmed, "/")
	for _, part := range parts {
		if part == "" {
			return "", "", false
		}
	}
	switch len(parts) {
	case 1:
		switch strings.ToLower(parts[0]) {
		case "products":
			return "products", "", true
		case "session":
			return "session", "", true
		case "health", "healthz":
			return "healthz", "", true
		case "metrics":
			return "metrics", "", true
		}
	case 2:
		first := strings.ToLower(parts[0])
		second := strings.ToLower(parts[1])
		switch {
		case first == "products" && second == "all":
			return "products/all", "", true
		case first == "products" && second == "refine":
			return "products/refine", "", true
		case first == "interactions":
			return "interactions", second, true
		}
	}
	return "", "", false
}
