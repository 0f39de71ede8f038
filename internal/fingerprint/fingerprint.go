package fingerprint

import (
	"net/netip"
	"strings"
)

// UnknownIP is reported when a request carries no usable client address.
const UnknownIP = "unknown"

// Request is the view of an inbound request the detection layer needs.
// Adapters for concrete HTTP stacks implement it.
type Request interface {
	ClientIP() string
	Method() string
	Path() string
	RawQuery() string
	URL() string
	QueryValues() []string
	RouteValues() []string
	Header(name string) string
}

type Fingerprint struct {
	IP             string
	Method         string
	Path           string
	Query          string
	URL            string
	RouteValues    []string
	QueryValues    []string
	UserAgent      string
	Accept         string
	AcceptLanguage string
	RequestID      string
}

func Extract(req Request) Fingerprint {
	return Fingerprint{
		IP:             NormalizeIP(req.ClientIP()),
		Method:         req.Method(),
		Path:           req.Path(),
		Query:          req.RawQuery(),
		URL:            req.URL(),
		RouteValues:    compact(req.RouteValues()),
		QueryValues:    compact(req.QueryValues()),
		UserAgent:      req.Header("User-Agent"),
		Accept:         req.Header("Accept"),
		AcceptLanguage: req.Header("Accept-Language"),
		RequestID:      req.Header("X-Request-ID"),
	}
}

func (f Fingerprint) JoinedRouteValues() string {
	return strings.Join(f.RouteValues, " ")
}

func (f Fingerprint) JoinedQueryValues() string {
	return strings.Join(f.QueryValues, " ")
}

// NormalizeIP strips ports and zones and unmaps IPv4-in-IPv6 addresses.
// Values that do not parse are kept verbatim so they still key counters.
func NormalizeIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return UnknownIP
	}
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap().WithZone("").String()
	}
	if addr, err := netip.ParseAddr(strings.Trim(raw, "[]")); err == nil {
		return addr.Unmap().WithZone("").String()
	}
	return raw
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
