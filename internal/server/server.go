// Package server wires C1-C9 into a runnable gateway: it turns a
// config.Config into a live routing.Router, ruleset.Set, breaker.Registry,
// ratelimit.Engine, and health.Checker, and swaps them atomically whenever
// the config watcher reports a reload. Nothing here is a singleton; every
// dependency is constructed explicitly and threaded through Build.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/breaker"
	"github.com/wudi/edgegate/internal/byroute"
	"github.com/wudi/edgegate/internal/config"
	"github.com/wudi/edgegate/internal/coordination"
	"github.com/wudi/edgegate/internal/health"
	"github.com/wudi/edgegate/internal/middleware"
	"github.com/wudi/edgegate/internal/observe"
	"github.com/wudi/edgegate/internal/proxy"
	"github.com/wudi/edgegate/internal/ratelimit"
	"github.com/wudi/edgegate/internal/realip"
	"github.com/wudi/edgegate/internal/routing"
	"github.com/wudi/edgegate/internal/ruleset"
	"github.com/wudi/edgegate/internal/transform"
)

// Server owns the gateway's public listener, its admin/metrics listener,
// and every piece of live state the config watcher can hot-swap.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	public *http.Server
	admin  *http.Server

	executor      atomic.Pointer[proxy.Executor]
	coord         *coordination.Client
	health        *health.Checker
	breakers      *breaker.Registry
	registry      *prometheus.Registry
	routeBackends *byroute.Manager[[]string]

	watcher   *config.Watcher
	startedAt time.Time
}

// New builds a Server from cfg, constructing every C1-C9 component but not
// yet listening. Call Run to start serving.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger, startedAt: time.Now()}

	if err := s.rebuild(cfg); err != nil {
		return nil, fmt.Errorf("server: initial build: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/circuit-breakers", s.handleCircuitBreakers)
	mux.HandleFunc("/routes", s.handleRoutes)
	if cfg.Metrics.Enabled {
		mux.Handle(metricsPath(cfg), promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	s.public = &http.Server{
		Addr:         cfg.Listen.Address,
		Handler:      s.rootHandler(),
		ReadTimeout:  cfg.Listen.ReadTimeout,
		WriteTimeout: cfg.Listen.WriteTimeout,
		IdleTimeout:  cfg.Listen.IdleTimeout,
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		s.admin = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
	}

	return s, nil
}

func metricsPath(cfg *config.Config) string {
	if cfg.Metrics.Path == "" {
		return "/metrics"
	}
	return cfg.Metrics.Path
}

// rootHandler applies the ambient middleware stack ahead of the proxy
// executor: request ID assignment, then principal attachment from the
// trusted headers an auth terminator in front of the gateway sets, then
// panic recovery, then dispatch to whatever Executor is currently live.
func (s *Server) rootHandler() http.Handler {
	chain := middleware.NewChain(
		middleware.RequestID(),
		middleware.Principal(),
		middleware.NewRecovery(s.logger),
	)
	return chain.ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		s.executor.Load().ServeHTTP(w, r)
	})
}

// WatchConfig loads a config.Watcher over path and swaps the server's live
// state on every valid reload.
func (s *Server) WatchConfig(path string, registry *config.SecretRegistry) error {
	w, err := config.NewWatcher(path, registry, s.logger)
	if err != nil {
		return err
	}
	w.OnChange(func(cfg *config.Config) {
		if err := s.rebuild(cfg); err != nil {
			s.logger.Error("config reload rejected, keeping previous live state", zap.Error(err))
			return
		}
		s.cfg = cfg
		s.logger.Info("gateway live state reloaded")
	})
	if err := w.Start(); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// rebuild constructs a fresh routing.Router, ruleset.Set, breaker.Registry,
// ratelimit.Engine, health.Checker, and transform.Pipeline from cfg and
// atomically publishes the resulting Executor. It registers every route's
// backends with the health checker before the new Router is swapped in.
// Probing starts asynchronously: a backend's status stays unknown, which
// the executor treats as unusable, until its probes mark it otherwise.
func (s *Server) rebuild(cfg *config.Config) error {
	if s.coord == nil && cfg.Coordination.Address != "" {
		s.coord = coordination.New(coordination.Config{
			Addr:         cfg.Coordination.Address,
			Password:     cfg.Coordination.Password,
			DB:           cfg.Coordination.DB,
			DialTimeout:  cfg.Coordination.DialTimeout,
			ReadTimeout:  cfg.Coordination.ReadTimeout,
			WriteTimeout: cfg.Coordination.WriteTimeout,
			CallTimeout:  cfg.Coordination.CallTimeout,
		})
	}

	entries := make([]routing.Entry, 0, len(cfg.Routes))
	for _, rt := range cfg.Routes {
		headers := make([]routing.HeaderMatch, 0, len(rt.Headers))
		for _, h := range rt.Headers {
			headers = append(headers, routing.HeaderMatch{Name: h.Name, Value: h.Value, Present: h.Present, Regex: h.Regex})
		}
		for i, b := range rt.Backends {
			id := rt.ID
			if len(rt.Backends) > 1 {
				id = fmt.Sprintf("%s#%d", rt.ID, i)
			}
			entries = append(entries, routing.Entry{
				ID:      id,
				Pattern: rt.Pattern,
				Regex:   rt.Regex,
				Domain:  rt.Domain,
				Methods: rt.Methods,
				Headers: headers,
				Backend: routing.Backend{Address: b.Address, Weight: b.Weight},
			})
		}
	}
	router, err := routing.Build(entries)
	if err != nil {
		return fmt.Errorf("routing: %w", err)
	}

	routeBackends := byroute.New[[]string]()
	for _, rt := range cfg.Routes {
		addrs := make([]string, 0, len(rt.Backends))
		for _, b := range rt.Backends {
			addrs = append(addrs, b.Address)
		}
		routeBackends.Add(rt.ID, addrs)
	}

	rules := make([]ruleset.Rule, 0, len(cfg.RateLimit.Rules))
	for _, rc := range cfg.RateLimit.Rules {
		headers := make([]ruleset.HeaderRequirement, 0, len(rc.Headers))
		for _, h := range rc.Headers {
			headers = append(headers, ruleset.HeaderRequirement{Name: h.Name, Value: h.Value})
		}
		rules = append(rules, ruleset.Rule{
			ID:       rc.ID,
			Priority: rc.Priority,
			Enabled:  rc.Enabled,

			Path:    rc.Path,
			Methods: rc.Methods,

			Tiers:   rc.Tiers,
			UserIDs: rc.UserIDs,
			IPs:     rc.IPs,
			APIKeys: rc.APIKeys,
			Headers: headers,

			KeyStrategy:   ruleset.KeyStrategy(rc.KeyStrategy),
			Algorithm:     ratelimit.Algorithm(rc.Algorithm),
			Limit:         rc.Limit,
			WindowSeconds: rc.WindowSeconds,
			Burst:         rc.Burst,
			Cost:          rc.Cost,
		})
	}
	ruleSet, err := ruleset.NewSet(rules)
	if err != nil {
		return fmt.Errorf("ruleset: %w", err)
	}

	tierDefaults := make(map[string]ruleset.RateLimitSpec, len(cfg.RateLimit.TierDefaults))
	for tier, spec := range cfg.RateLimit.TierDefaults {
		tierDefaults[tier] = ruleset.RateLimitSpec{
			Algorithm:     ratelimit.Algorithm(spec.Algorithm),
			Limit:         spec.Limit,
			WindowSeconds: spec.WindowSeconds,
			Burst:         spec.Burst,
		}
	}
	var globalDefault *ruleset.RateLimitSpec
	if cfg.RateLimit.GlobalDefault != nil {
		globalDefault = &ruleset.RateLimitSpec{
			Algorithm:     ratelimit.Algorithm(cfg.RateLimit.GlobalDefault.Algorithm),
			Limit:         cfg.RateLimit.GlobalDefault.Limit,
			WindowSeconds: cfg.RateLimit.GlobalDefault.WindowSeconds,
			Burst:         cfg.RateLimit.GlobalDefault.Burst,
		}
	}
	ruleSet = ruleSet.WithDefaults(tierDefaults, globalDefault)

	bypass, err := ruleset.NewBypass(ruleset.BypassConfig{
		IPs:        cfg.Bypass.IPs,
		Principals: cfg.Bypass.Principals,
		Paths:      cfg.Bypass.Paths,
	})
	if err != nil {
		return fmt.Errorf("bypass: %w", err)
	}

	var limiter *ratelimit.Engine
	if s.coord != nil {
		limiter = ratelimit.NewEngine(
			ratelimit.NewTokenBucketLimiter(s.coord, "gw:rl:tb"),
			ratelimit.NewSlidingWindowLogLimiter(s.coord, "gw:rl:swl"),
			ratelimit.NewSlidingWindowCounterLimiter(s.coord, "gw:rl:swc"),
		)
	}

	healthChecker := s.health
	if healthChecker == nil {
		healthChecker = health.NewChecker(health.Config{
			DefaultTimeout:  cfg.Health.Timeout,
			DefaultInterval: cfg.Health.Interval,
			OnChange: func(url string, status health.Status) {
				s.logger.Info("backend health changed", zap.String("backend", url), zap.String("status", string(status)))
			},
		})
		healthChecker.Start()
	}
	seen := make(map[string]bool)
	for _, rt := range cfg.Routes {
		for _, b := range rt.Backends {
			if seen[b.Address] {
				continue
			}
			seen[b.Address] = true
			healthChecker.AddBackend(health.Backend{
				URL:            b.Address,
				HealthPath:     cfg.Health.Path,
				Interval:       cfg.Health.Interval,
				Timeout:        cfg.Health.Timeout,
				HealthyAfter:   cfg.Health.HealthyThreshold,
				UnhealthyAfter: cfg.Health.UnhealthyThreshold,
				DegradedAfter:  rt.Degraded,
			})
		}
	}

	breakerCfg := breaker.Config{
		FailureThreshold:     cfg.Breaker.FailureThreshold,
		SuccessThreshold:     cfg.Breaker.SuccessThreshold,
		HalfOpenRequests:     cfg.Breaker.HalfOpenRequests,
		ResetTimeout:         cfg.Breaker.ResetTimeout,
		WindowSize:           cfg.Breaker.WindowSize,
		FailureWindow:        cfg.Breaker.FailureWindow,
		FailureRateThreshold: cfg.Breaker.FailureRateThreshold,
	}
	var breakers *breaker.Registry
	if cfg.Breaker.Distributed && s.coord != nil {
		breakers = breaker.NewDistributedRegistry(breakerCfg, s.coord, func(upstreamKey, from, to string) {
			s.logger.Info("circuit breaker state changed", zap.String("upstream", upstreamKey), zap.String("from", from), zap.String("to", to))
		})
	} else {
		breakers = breaker.NewLocalRegistry(breakerCfg)
	}

	var realIP *realip.CompiledRealIP
	if cfg.Transform.Request.InjectForwardedHeaders {
		realIP, err = realip.New(nil, nil, 0)
		if err != nil {
			return fmt.Errorf("realip: %w", err)
		}
	}
	pipeline := transform.New(toRequestConfig(cfg.Transform.Request), toResponseConfig(cfg.Transform.Response), realIP)

	var emitter observe.Emitter = observe.NopEmitter{}
	registry := s.registry
	if cfg.Metrics.Enabled {
		if registry == nil {
			registry = prometheus.NewRegistry()
		}
		emitter = observe.NewPrometheusEmitter(registry)
	}

	exec := proxy.New(proxy.Options{
		Router:    router,
		Rules:     ruleSet,
		Bypass:    bypass,
		Limiter:   limiter,
		Health:    healthChecker,
		Breakers:  breakers,
		Transform: pipeline,
		Emitter:   emitter,
		Logger:    s.logger,
	})

	s.health = healthChecker
	s.breakers = breakers
	s.registry = registry
	s.routeBackends = routeBackends
	s.executor.Store(exec)
	return nil
}

func toRequestConfig(rc config.RequestTransformConfig) transform.RequestConfig {
	return transform.RequestConfig{
		Add:                    toHeaderOps(rc.Add),
		Set:                    toHeaderOps(rc.Set),
		Remove:                 rc.Remove,
		Rename:                 toHeaderOps(rc.Rename),
		InjectPrincipalHeaders: rc.InjectPrincipalHeaders,
		InjectForwardedHeaders: rc.InjectForwardedHeaders,
		InjectRequestID:        rc.InjectRequestID,
	}
}

func toResponseConfig(rc config.ResponseTransformConfig) transform.ResponseConfig {
	out := transform.ResponseConfig{
		Add:            toHeaderOps(rc.Add),
		Set:            toHeaderOps(rc.Set),
		Remove:         rc.Remove,
		Rename:         toHeaderOps(rc.Rename),
		StripSensitive: rc.StripSensitive,
	}
	if rc.SecurityHeaders {
		out.SecurityHeaders = transform.DefaultSecurityHeaders()
	}
	return out
}

func toHeaderOps(ops []config.HeaderOpConfig) []transform.HeaderOp {
	out := make([]transform.HeaderOp, 0, len(ops))
	for _, o := range ops {
		out = append(out, transform.HeaderOp{Name: o.Name, Value: o.Value, From: o.From})
	}
	return out
}

// Run starts the public and admin listeners and blocks until ctx is
// cancelled, then shuts both down within cfg.Listen.ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info("gateway listening", zap.String("address", s.public.Addr))
		if err := s.public.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("public listener: %w", err)
		}
	}()

	if s.admin != nil {
		go func() {
			s.logger.Info("admin listener", zap.String("address", s.admin.Addr))
			if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("admin listener: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	return s.Shutdown()
}

// Shutdown drains both listeners and stops the health checker and config
// watcher.
func (s *Server) Shutdown() error {
	timeout := s.cfg.Listen.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var firstErr error
	if err := s.public.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.health != nil {
		s.health.Stop()
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.coord != nil {
		s.coord.Close()
	}
	return firstErr
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	total := 0
	if s.health != nil {
		total = len(s.health.GetAllStatus())
	}
	usable := 0
	if s.health != nil {
		usable = len(s.health.UsableBackends())
	}
	coordOK := s.coord == nil || s.coord.Ping(r.Context()) == nil
	if total > 0 && usable > 0 && coordOK {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]string{"status": "not_ready"})
}

// statusResponse is the gateway status object returned by /status: a
// single-shot summary an operator or orchestrator can poll instead of
// cross-referencing /healthz, /readyz, /circuit-breakers, and /routes.
type statusResponse struct {
	Status       string `json:"status"`
	UptimeSecond int64  `json:"uptimeSeconds"`
	Routes       int    `json:"routes"`
	Backends     struct {
		Total  int `json:"total"`
		Usable int `json:"usable"`
	} `json:"backends"`
	CircuitBreakers struct {
		Total int `json:"total"`
		Open  int `json:"open"`
	} `json:"circuitBreakers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var resp statusResponse
	resp.UptimeSecond = int64(time.Since(s.startedAt).Seconds())

	if s.health != nil {
		resp.Backends.Total = len(s.health.GetAllStatus())
		resp.Backends.Usable = len(s.health.UsableBackends())
	}
	if s.routeBackends != nil {
		s.routeBackends.Range(func(string, []string) bool {
			resp.Routes++
			return true
		})
	}
	if s.breakers != nil {
		snaps := s.breakers.Snapshots()
		resp.CircuitBreakers.Total = len(snaps)
		for _, snap := range snaps {
			if snap.State == "open" {
				resp.CircuitBreakers.Open++
			}
		}
	}

	resp.Status = "ok"
	if resp.Backends.Total > 0 && resp.Backends.Usable == 0 {
		resp.Status = "degraded"
	}

	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.breakers == nil {
		json.NewEncoder(w).Encode(map[string]breaker.Snapshot{})
		return
	}
	json.NewEncoder(w).Encode(s.breakers.Snapshots())
}

// handleRoutes lists every configured route ID alongside the backend
// addresses it can dispatch to, for operator introspection.
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	out := make(map[string][]string)
	if s.routeBackends != nil {
		s.routeBackends.Range(func(id string, backends []string) bool {
			out[id] = backends
			return true
		})
	}
	json.NewEncoder(w).Encode(out)
}
