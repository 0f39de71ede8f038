package middleware

import (
	"sort"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/valyala/fasthttp"

	"reqguard/internal/engine"
	"reqguard/internal/match"
)

// Fiber guards a fiber route. fasthttp recycles request buffers once the
// handler returns, and events outlive the request, so every string handed to
// the engine is copied.
//
// Route values exist only once a route has matched. Mounted with app.Use, as
// the gateway does, the guard sees none and relies on the decoded path and the
// query values instead.
func Fiber(eng *engine.Engine) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ex := &fiberExchange{c: c, trust: eng.Config().Gateway.TrustProxyHeaders}
		return eng.Serve(c.UserContext(), ex)
	}
}

type fiberExchange struct {
	c     *fiber.Ctx
	trust bool
}

func (x *fiberExchange) ClientIP() string {
	peer := ""
	if ip := x.c.Context().RemoteIP(); ip != nil {
		peer = ip.String()
	}
	return clientIP(peer, x.Header("X-Real-IP"), x.Header("X-Forwarded-For"), x.trust)
}

func (x *fiberExchange) Method() string   { return utils.CopyString(x.c.Method()) }
func (x *fiberExchange) RawQuery() string { return string(x.c.Request().URI().QueryString()) }

// Path is decoded here because fiber only unescapes it when the app sets
// UnescapePath. net/http hands out the decoded path already.
func (x *fiberExchange) Path() string {
	return utils.CopyString(match.UnescapePath(x.c.Path()))
}

func (x *fiberExchange) URL() string {
	return utils.CopyString(x.c.BaseURL() + x.c.OriginalURL())
}

func (x *fiberExchange) QueryValues() []string {
	return argValues(x.c.Context().QueryArgs())
}

func (x *fiberExchange) RouteValues() []string {
	params := x.c.AllParams()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, utils.CopyString(params[k]))
	}
	return out
}

func (x *fiberExchange) Header(name string) string {
	return utils.CopyString(x.c.Get(name))
}

func (x *fiberExchange) Reject(status int) error {
	x.c.Status(status)
	x.c.Response().ResetBody()
	return nil
}

func (x *fiberExchange) Next() error {
	return x.c.Next()
}

func argValues(args *fasthttp.Args) []string {
	var out []string
	args.VisitAll(func(_, value []byte) {
		out = append(out, string(value))
	})
	return out
}
