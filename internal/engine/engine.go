package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"reqguard/internal/alerts"
	"reqguard/internal/config"
	"reqguard/internal/counter"
	"reqguard/internal/fingerprint"
	"reqguard/internal/match"
	"reqguard/internal/metrics"
	"reqguard/internal/model"
)

// Emitter takes ownership of a finished event. Implementations must not
// block the caller.
type Emitter interface {
	Emit(ev model.SecurityEvent)
}

// Locator maps an IP to an ISO country code.
type Locator interface {
	Country(ip string) (string, bool)
}

// Exchange is one in-flight request as seen by the detection chain.
type Exchange interface {
	fingerprint.Request
	Reject(status int) error
	Next() error
}

type Outcome int

const (
	Continue Outcome = iota
	Observed
	Blocked
)

func (o Outcome) String() string {
	switch o {
	case Observed:
		return "observed"
	case Blocked:
		return "blocked"
	default:
		return "continue"
	}
}

// Decision is the result of running the chain over one request.
type Decision struct {
	Blocked bool
	Status  int
	Events  []model.SecurityEvent
}

type Engine struct {
	logger   *slog.Logger
	metrics  *metrics.Store
	alerts   *alerts.Store
	counters counter.Store
	emitter  Emitter
	locator  atomic.Value
	cfg      atomic.Value
	started  time.Time
	now      func() time.Time
}

func NewEngine(cfg *config.Config, logger *slog.Logger, counters counter.Store, emitter Emitter, metricsStore *metrics.Store, alertsStore *alerts.Store) *Engine {
	e := &Engine{
		logger:   logger,
		metrics:  metricsStore,
		alerts:   alertsStore,
		counters: counters,
		emitter:  emitter,
		started:  time.Now().UTC(),
		now:      time.Now,
	}
	e.cfg.Store(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

// SetLocator enables country enrichment of event snapshots.
func (e *Engine) SetLocator(l Locator) {
	e.locator.Store(locatorBox{l})
}

type locatorBox struct{ Locator }

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) Config() *config.Config {
	return e.config()
}

func (e *Engine) Started() time.Time {
	return e.started
}

type check struct {
	name    string
	enabled func(config.ChecksConfig) bool
	run     func(*Engine, *inspection) Outcome
}

// chain runs in this order: cheap counter checks always record signal,
// content checks go last and may stop the request.
var chain = []check{
	{"rate", func(c config.ChecksConfig) bool { return c.Rate }, (*Engine).checkRate},
	{"burst", func(c config.ChecksConfig) bool { return c.Burst }, (*Engine).checkBurst},
	{"scan", func(c config.ChecksConfig) bool { return c.Scan }, (*Engine).checkScan},
	{"bot", func(c config.ChecksConfig) bool { return c.Bot }, (*Engine).checkBot},
	{"sqli", func(c config.ChecksConfig) bool { return c.SQLInjection }, (*Engine).checkSQLInjection},
	{"xss", func(c config.ChecksConfig) bool { return c.XSS }, (*Engine).checkXSS},
}

type inspection struct {
	ctx       context.Context
	cfg       *config.Config
	fp        fingerprint.Fingerprint
	requestID string
	events    []model.SecurityEvent
}

func (in *inspection) id() string {
	if in.requestID == "" {
		in.requestID = in.fp.RequestID
		if in.requestID == "" {
			in.requestID = uuid.NewString()
		}
	}
	return in.requestID
}

// Inspect runs the detection chain. Events are handed to the emitter as
// they are raised; the returned Decision carries copies for the caller.
func (e *Engine) Inspect(ctx context.Context, fp fingerprint.Fingerprint) Decision {
	start := time.Now()
	in := &inspection{ctx: ctx, cfg: e.config(), fp: fp}
	var dec Decision
	for _, c := range chain {
		if !c.enabled(in.cfg.Detection.Checks) {
			continue
		}
		if c.run(e, in) == Blocked {
			dec.Blocked = true
			dec.Status = http.StatusForbidden
			break
		}
	}
	dec.Events = in.events
	e.metrics.ObserveInspection(time.Since(start))
	return dec
}

// Serve inspects the exchange and then either rejects it or calls Next,
// never both and never more than once.
func (e *Engine) Serve(ctx context.Context, ex Exchange) error {
	dec := e.Inspect(ctx, fingerprint.Extract(ex))
	if dec.Blocked {
		return ex.Reject(dec.Status)
	}
	return ex.Next()
}

func (e *Engine) checkRate(in *inspection) Outcome {
	d := in.cfg.Detection
	n, ok := e.increment(in, counter.WindowRate, d.Window)
	if !ok || n <= d.MaxRequestsPerWindow {
		return Continue
	}
	e.raise(in, model.EventRateLimiting, model.SeverityWarning, 0,
		fmt.Sprintf("rate limit exceeded: %d requests in %s (limit %d)", n, d.Window, d.MaxRequestsPerWindow),
		map[string]any{"count": n, "limit": d.MaxRequestsPerWindow, "windowSeconds": d.Window.Seconds()})
	return Observed
}

func (e *Engine) checkBurst(in *inspection) Outcome {
	d := in.cfg.Detection
	n, ok := e.increment(in, counter.WindowBurst, d.BurstWindow)
	if !ok || n <= d.MaxRequestsPerBurstWindow {
		return Continue
	}
	e.raise(in, model.EventTooManyRequestsBurst, model.SeverityWarning, 0,
		fmt.Sprintf("request burst: %d requests in %s (limit %d)", n, d.BurstWindow, d.MaxRequestsPerBurstWindow),
		map[string]any{"count": n, "limit": d.MaxRequestsPerBurstWindow, "windowSeconds": d.BurstWindow.Seconds()})
	return Observed
}

func (e *Engine) checkScan(in *inspection) Outcome {
	d := in.cfg.Detection
	if prefix, ok := hasPrefixFold(in.fp.Path, d.SensitivePaths); ok {
		e.raise(in, model.EventSuspiciousScan, model.SeverityWarning, 0,
			"sensitive path requested: "+in.fp.Path,
			map[string]any{"matchedPrefix": prefix})
		return Observed
	}
	n, err := e.counters.TrackUnique(in.ctx, in.fp.IP, counter.WindowScan, in.fp.Path, d.ScanWindow)
	if err != nil {
		e.counterError(in, counter.WindowScan, err)
		return Continue
	}
	if n < d.MaxUniquePathsPerScanWindow {
		return Continue
	}
	e.raise(in, model.EventSuspiciousScan, model.SeverityWarning, 0,
		fmt.Sprintf("path scan: %d distinct paths in %s (limit %d)", n, d.ScanWindow, d.MaxUniquePathsPerScanWindow),
		map[string]any{"uniquePaths": n, "limit": d.MaxUniquePathsPerScanWindow, "windowSeconds": d.ScanWindow.Seconds()})
	return Observed
}

func (e *Engine) checkBot(in *inspection) Outcome {
	d := in.cfg.Detection
	w := d.BotWeights
	score := 0
	var signals []string
	add := func(weight int, signal string) {
		score += weight
		signals = append(signals, signal)
	}

	ua := strings.TrimSpace(in.fp.UserAgent)
	if ua == "" {
		add(w.MissingUserAgent, "missing_user_agent")
	} else if agent, ok := containsFold(ua, d.AutomationAgents); ok {
		add(w.AutomationUserAgent, "automation_user_agent:"+agent)
	}
	if strings.TrimSpace(in.fp.Accept) == "" {
		add(w.MissingAccept, "missing_accept")
	}
	if strings.TrimSpace(in.fp.AcceptLanguage) == "" {
		add(w.MissingAcceptLanguage, "missing_accept_language")
	}
	if entry, ok := e.peek(in, counter.WindowBurst); ok && entry.Count > d.MaxRequestsPerBurstWindow {
		add(w.BurstExceeded, "burst_exceeded")
	}
	if entry, ok := e.peek(in, counter.WindowScan); ok && entry.Unique >= d.MaxUniquePathsPerScanWindow {
		add(w.ScanExceeded, "scan_exceeded")
	}

	if score < d.BotScoreThreshold {
		return Continue
	}
	e.raise(in, model.EventBotDetected, model.SeverityWarning, 0,
		"automated client suspected, bot score "+strconv.Itoa(score),
		map[string]any{"score": score, "threshold": d.BotScoreThreshold, "signals": signals})
	return Observed
}

func (e *Engine) checkSQLInjection(in *inspection) Outcome {
	if e.exempt(in) {
		return Continue
	}
	ok, value := match.SQLInjection(in.fp.Path, in.fp.JoinedRouteValues(), in.fp.JoinedQueryValues())
	if !ok {
		return Continue
	}
	e.raise(in, model.EventSQLInjection, model.SeverityAttack, http.StatusForbidden, value,
		map[string]any{"anomalousValue": match.Truncate(value, 200)})
	e.metrics.IncBlocked(model.EventSQLInjection)
	return Blocked
}

func (e *Engine) checkXSS(in *inspection) Outcome {
	if e.exempt(in) {
		return Continue
	}
	combined := in.fp.Path + in.fp.Query + in.fp.JoinedRouteValues() + in.fp.JoinedQueryValues()
	if !match.XSS(combined) {
		return Continue
	}
	e.raise(in, model.EventXSS, model.SeverityAttack, http.StatusForbidden,
		"cross-site scripting payload detected",
		map[string]any{"sample": match.Truncate(combined, 200)})
	e.metrics.IncBlocked(model.EventXSS)
	return Blocked
}

func (e *Engine) exempt(in *inspection) bool {
	return underAnyFold(in.fp.Path, in.cfg.Detection.ExemptPaths)
}

func (e *Engine) increment(in *inspection, window string, d time.Duration) (int, bool) {
	n, err := e.counters.Increment(in.ctx, in.fp.IP, window, d)
	if err != nil {
		e.counterError(in, window, err)
		return 0, false
	}
	return n, true
}

func (e *Engine) peek(in *inspection, window string) (counter.Entry, bool) {
	entry, ok, err := e.counters.Peek(in.ctx, in.fp.IP, window)
	if err != nil {
		e.counterError(in, window, err)
		return counter.Entry{}, false
	}
	return entry, ok
}

func (e *Engine) counterError(in *inspection, window string, err error) {
	if e.logger != nil {
		e.logger.Error("counter store failed", "ip", in.fp.IP, "window", window, "error", err)
	}
}

func (e *Engine) raise(in *inspection, t model.EventType, sev model.Severity, status int, description string, extra map[string]any) {
	ev := model.SecurityEvent{
		ServiceName: in.cfg.ServiceName,
		IP:          in.fp.IP,
		EventType:   t,
		Severity:    sev,
		Description: description,
		OccurredAt:  e.now().UTC(),
		RequestID:   in.id(),
		Method:      in.fp.Method,
		Path:        in.fp.Path,
		StatusCode:  status,
		UserAgent:   in.fp.UserAgent,
		Request:     e.snapshot(in, extra),
	}
	in.events = append(in.events, ev)

	if e.logger != nil {
		e.logger.Warn("security event",
			"ip", ev.IP,
			"event_type", ev.EventType.String(),
			"severity", ev.Severity.String(),
			"path", ev.Path,
			"request_id", ev.RequestID,
		)
	}
	e.metrics.IncEvent(t)
	if e.alerts != nil {
		e.alerts.Add(ev)
	}
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}

func (e *Engine) snapshot(in *inspection, extra map[string]any) json.RawMessage {
	if box, ok := e.locator.Load().(locatorBox); ok && box.Locator != nil {
		if country, found := box.Country(in.fp.IP); found {
			if extra == nil {
				extra = make(map[string]any, 1)
			}
			extra["country"] = country
		}
	}
	raw, err := json.Marshal(model.RequestContext{
		URL:       in.fp.URL,
		Method:    in.fp.Method,
		Path:      in.fp.Path,
		Query:     in.fp.Query,
		UserAgent: in.fp.UserAgent,
		Extra:     extra,
	})
	if err != nil {
		if e.logger != nil {
			e.logger.Error("encode request snapshot", "ip", in.fp.IP, "error", err)
		}
		return nil
	}
	return raw
}

func hasPrefixFold(path string, prefixes []string) (string, bool) {
	lower := strings.ToLower(path)
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(lower, strings.ToLower(p)) {
			return p, true
		}
	}
	return "", false
}

// underAnyFold reports whether path is one of prefixes or lies below one of
// them, compared case-insensitively on segment boundaries.
func underAnyFold(path string, prefixes []string) bool {
	lower := strings.ToLower(path)
	for _, p := range prefixes {
		p = strings.TrimSuffix(strings.ToLower(p), "/")
		if p == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(lower, p); ok && (rest == "" || rest[0] == '/') {
			return true
		}
	}
	return false
}

func containsFold(s string, needles []string) (string, bool) {
	lower := strings.ToLower(s)
	for _, n := range needles {
		if n != "" && strings.Contains(lower, strings.ToLower(n)) {
			return n, true
		}
	}
	return "", false
}

// Reset forgets all counter state when the store supports it.
func (e *Engine) Reset() {
	if r, ok := e.counters.(interface{ Reset() }); ok {
		r.Reset()
	}
}
