// Package middleware adapts the detection engine to concrete HTTP stacks.
package middleware

import (
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"reqguard/internal/engine"
)

// HTTP guards a net/http handler. Route values are read from chi's route
// context, so mount it with chi.Router.With or inside a route group when
// path parameters should be inspected.
func HTTP(eng *engine.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ex := &httpExchange{
				w:     w,
				r:     r,
				next:  next,
				trust: eng.Config().Gateway.TrustProxyHeaders,
			}
			_ = eng.Serve(r.Context(), ex)
		})
	}
}

type httpExchange struct {
	w     http.ResponseWriter
	r     *http.Request
	next  http.Handler
	trust bool
}

func (x *httpExchange) ClientIP() string {
	return clientIP(x.r.RemoteAddr, x.r.Header.Get("X-Real-IP"), x.r.Header.Get("X-Forwarded-For"), x.trust)
}

func (x *httpExchange) Method() string   { return x.r.Method }
func (x *httpExchange) Path() string     { return x.r.URL.Path }
func (x *httpExchange) RawQuery() string { return x.r.URL.RawQuery }

func (x *httpExchange) URL() string {
	scheme := "http"
	if x.r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + x.r.Host + x.r.URL.RequestURI()
}

func (x *httpExchange) QueryValues() []string {
	q := x.r.URL.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		out = append(out, q[k]...)
	}
	return out
}

func (x *httpExchange) RouteValues() []string {
	rctx := chi.RouteContext(x.r.Context())
	if rctx == nil {
		return nil
	}
	return append([]string(nil), rctx.URLParams.Values...)
}

func (x *httpExchange) Header(name string) string {
	return x.r.Header.Get(name)
}

func (x *httpExchange) Reject(status int) error {
	x.w.Header().Set("Content-Length", "0")
	x.w.WriteHeader(status)
	return nil
}

func (x *httpExchange) Next() error {
	x.next.ServeHTTP(x.w, x.r)
	return nil
}

// clientIP prefers X-Real-IP, then the first X-Forwarded-For hop, when the
// gateway sits behind a trusted proxy.
func clientIP(peer, realIP, forwardedFor string, trust bool) string {
	if trust {
		if v := strings.TrimSpace(realIP); v != "" {
			return v
		}
		if forwardedFor != "" {
			first, _, _ := strings.Cut(forwardedFor, ",")
			if v := strings.TrimSpace(first); v != "" {
				return v
			}
		}
	}
	return peer
}
