// Package proxy implements the proxy executor (C9): the terminal stage
// of the pipeline that turns a resolved, rate-limit-cleared request into
// an upstream call, failing over across candidates as health and
// circuit-breaker state allow.
package proxy

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wudi/edgegate/internal/breaker"
	"github.com/wudi/edgegate/internal/gwerrors"
	"github.com/wudi/edgegate/internal/health"
	"github.com/wudi/edgegate/internal/observe"
	"github.com/wudi/edgegate/internal/ratelimit"
	"github.com/wudi/edgegate/internal/reqctx"
	"github.com/wudi/edgegate/internal/routing"
	"github.com/wudi/edgegate/internal/ruleset"
	"github.com/wudi/edgegate/internal/transform"
)

// Executor wires C3-C9 together behind a single http.Handler: rule
// match and rate limit, then route resolution, then per-candidate
// health/breaker filtering with retry and failover, then the response
// transform.
type Executor struct {
	router    *routing.Router
	rules     *ruleset.Set
	bypass    *ruleset.Bypass
	limiter   *ratelimit.Engine
	health    *health.Checker
	breakers  *breaker.Registry
	transform *transform.Pipeline
	emitter   observe.Emitter
	transport *TransportPool
	logger    *zap.Logger

	requestTimeout time.Duration
	maxAttempts    int
	retryBackoff   time.Duration
	maxBackoff     time.Duration
}

// Options configures an Executor. Rules, Bypass, and Limiter may be nil
// to disable rate limiting entirely (every request is routed directly).
type Options struct {
	Router         *routing.Router
	Rules          *ruleset.Set
	Bypass         *ruleset.Bypass
	Limiter        *ratelimit.Engine
	Health         *health.Checker
	Breakers       *breaker.Registry
	Transform      *transform.Pipeline
	Emitter        observe.Emitter
	Transport      *TransportPool
	Logger         *zap.Logger
	RequestTimeout time.Duration
	MaxAttempts    int
	RetryBackoff   time.Duration
	MaxBackoff     time.Duration
}

// New builds an Executor from opts, applying defaults for anything left
// zero.
func New(opts Options) *Executor {
	e := &Executor{
		router:         opts.Router,
		rules:          opts.Rules,
		bypass:         opts.Bypass,
		limiter:        opts.Limiter,
		health:         opts.Health,
		breakers:       opts.Breakers,
		transform:      opts.Transform,
		emitter:        opts.Emitter,
		transport:      opts.Transport,
		logger:         opts.Logger,
		requestTimeout: opts.RequestTimeout,
		maxAttempts:    opts.MaxAttempts,
		retryBackoff:   opts.RetryBackoff,
		maxBackoff:     opts.MaxBackoff,
	}
	if e.transport == nil {
		e.transport = NewTransportPool()
	}
	if e.emitter == nil {
		e.emitter = observe.NopEmitter{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.requestTimeout == 0 {
		e.requestTimeout = 30 * time.Second
	}
	if e.maxAttempts == 0 {
		e.maxAttempts = 3
	}
	if e.retryBackoff == 0 {
		e.retryBackoff = 50 * time.Millisecond
	}
	if e.maxBackoff == 0 {
		e.maxBackoff = 30 * time.Second
	}
	return e
}

// ServeHTTP implements the gateway's steady-state request path.
func (e *Executor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.FromRequest(r)
	if rc == nil {
		rc = reqctx.Acquire()
		rc.StartedAt = time.Now()
		defer reqctx.Release(rc)
		r = reqctx.WithContext(r, rc)
	}
	rc.ClientIP = reqctx.ExtractClientIP(r, rc.ClientIP)

	if e.transform != nil {
		e.transform.TransformRequest(r, rc)
	}

	if !e.checkRateLimit(w, r, rc) {
		return
	}

	candidates := e.router.Resolve(r)
	if len(candidates) == 0 {
		gwerrors.ErrNotFound.WithRequestID(rc.RequestID).WriteJSON(w)
		return
	}
	rc.RouteID = candidates[0].ID

	ctx := r.Context()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.requestTimeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	if IsWebSocketUpgrade(r) {
		e.serveWebSocket(w, r, candidates, rc)
		return
	}

	e.serveHTTP(w, r, candidates, rc)
}

func (e *Executor) checkRateLimit(w http.ResponseWriter, r *http.Request, rc *reqctx.Context) bool {
	if e.limiter == nil || e.rules == nil {
		return true
	}

	if e.bypass != nil {
		if bypassed, reason := e.bypass.Allow(r, rc); bypassed {
			e.emitter.Observe(observe.ObservationEvent{
				RequestID: rc.RequestID,
				RouteID:   rc.RouteID,
				Path:      r.URL.Path,
				Method:    r.Method,
				IP:        rc.ClientIP,
				Principal: rc.Principal.ID,
				Bypassed:  true,
				Error:     reason,
			})
			return true
		}
	}

	rule, ok := e.rules.Match(r, rc)
	if !ok {
		return true
	}
	rc.MatchedRule = rule.ID

	key := ruleset.DeriveKey(rule, r, rc)
	res, _ := e.limiter.Check(r.Context(), rule.Algorithm, key, rule.Limit, rule.Burst, rule.WindowSeconds, rule.Cost)

	gwErr := gwerrors.ErrRateLimited.WithRateLimit(res.Limit, res.Remaining, res.ResetAt)
	gwErr.SetRateLimitHeaders(w)

	if !res.Allowed {
		e.emitter.Observe(observe.ObservationEvent{
			RequestID:   rc.RequestID,
			RouteID:     rc.RouteID,
			Path:        r.URL.Path,
			Method:      r.Method,
			IP:          rc.ClientIP,
			Principal:   rc.Principal.ID,
			RateLimited: true,
			Limit:       res.Limit,
			Remaining:   res.Remaining,
			Algorithm:   string(rule.Algorithm),
		})
		gwErr.WithRequestID(rc.RequestID).WithRetryAfter(res.RetryAfter).WriteJSON(w)
		return false
	}
	return true
}

// serveHTTP walks candidates in order, skipping any that are unhealthy
// or whose breaker is open, retrying transient failures against the
// same candidate before failing over to the next one.
func (e *Executor) serveHTTP(w http.ResponseWriter, r *http.Request, candidates []routing.Entry, rc *reqctx.Context) {
	var lastErr error
	attempt := 0

	for _, candidate := range candidates {
		addr := candidate.Backend.Address

		if e.health != nil && !e.health.IsUsable(addr) {
			e.emitter.Observe(observe.ObservationEvent{RouteID: candidate.ID, UpstreamAddr: addr, HealthSkipped: true})
			continue
		}

		var inst breaker.Instance
		if e.breakers != nil {
			inst = e.breakers.Get(addr)
		}

		resp, err := e.attemptWithRetry(r, addr, inst, rc, &attempt)
		if err != nil {
			lastErr = err
			continue
		}

		bytesOut := e.writeResponse(w, resp, rc)
		e.emitter.Observe(observe.ObservationEvent{
			RequestID:    rc.RequestID,
			RouteID:      candidate.ID,
			UpstreamAddr: addr,
			Path:         r.URL.Path,
			Method:       r.Method,
			StatusCode:   resp.StatusCode,
			Attempt:      attempt,
			Duration:     rc.ResponseTime,
			IP:           rc.ClientIP,
			Principal:    rc.Principal.ID,
			BytesIn:      r.ContentLength,
			BytesOut:     bytesOut,
		})
		return
	}

	e.emitter.Observe(observe.ObservationEvent{
		RequestID: rc.RequestID,
		RouteID:   rc.RouteID,
		Path:      r.URL.Path,
		Method:    r.Method,
		IP:        rc.ClientIP,
		Principal: rc.Principal.ID,
		Error:     errString(lastErr),
	})
	if lastErr == context.DeadlineExceeded {
		gwerrors.New(gwerrors.CodeProxyError, "gateway timeout").WithRequestID(rc.RequestID).WriteJSON(w)
		return
	}
	gwerrors.ErrBadGateway.WithRequestID(rc.RequestID).WithDetails(errString(lastErr)).WriteJSON(w)
}

// attemptWithRetry retries a single candidate up to maxAttempts times
// with exponential backoff, respecting the breaker's Allow/RecordX
// contract on every try.
func (e *Executor) attemptWithRetry(r *http.Request, addr string, inst breaker.Instance, rc *reqctx.Context, attempt *int) (*http.Response, error) {
	target, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryBackoff
	bo.MaxInterval = e.maxBackoff
	bo.MaxElapsedTime = 0

	var resp *http.Response
	var lastErr error

	for try := 0; try < e.maxAttempts; try++ {
		if inst != nil {
			allowed, breakerErr := inst.Allow()
			if !allowed || breakerErr != nil {
				e.emitter.Observe(observe.ObservationEvent{UpstreamAddr: addr, CircuitOpen: true})
				return nil, breakerErr
			}
		}

		*attempt++
		rc.UpstreamAttempt = *attempt
		rc.UpstreamAddr = addr

		start := time.Now()
		proxyReq := createProxyRequest(r.Context(), r, target)
		resp, lastErr = e.transport.Get(addr).RoundTrip(proxyReq)
		rc.ResponseTime = time.Since(start)

		if lastErr == nil && resp.StatusCode < 500 {
			if inst != nil {
				inst.RecordSuccess()
			}
			return resp, nil
		}

		if inst != nil {
			inst.RecordFailure()
		}
		if lastErr == nil {
			resp.Body.Close()
			lastErr = gwerrors.ErrBadGateway.WithDetails("upstream returned a server error")
		}

		if r.Context().Err() != nil {
			return nil, r.Context().Err()
		}
		if try < e.maxAttempts-1 {
			time.Sleep(bo.NextBackOff())
		}
	}

	return nil, lastErr
}

// writeResponse streams resp to w and returns the number of body bytes
// written, for the observation event's BytesOut field.
func (e *Executor) writeResponse(w http.ResponseWriter, resp *http.Response, rc *reqctx.Context) int64 {
	defer resp.Body.Close()
	rc.UpstreamStatus = resp.StatusCode

	if e.transform != nil {
		e.transform.TransformResponse(resp.Header, rc)
	}
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if flusher, ok := w.(http.Flusher); ok {
		return streamCopy(w, resp.Body, flusher)
	}
	var total int64
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			total += int64(n)
		}
		if err != nil {
			return total
		}
	}
}

func (e *Executor) serveWebSocket(w http.ResponseWriter, r *http.Request, candidates []routing.Entry, rc *reqctx.Context) {
	for _, candidate := range candidates {
		addr := candidate.Backend.Address
		if e.health != nil && !e.health.IsUsable(addr) {
			continue
		}
		target, err := url.Parse(addr)
		if err != nil {
			continue
		}
		rc.UpstreamAddr = addr
		if err := proxyWebSocket(w, r, target, e.logger); err != nil {
			e.logger.Warn("websocket proxy attempt failed", zap.String("upstream", addr), zap.Error(err))
			continue
		}
		return
	}
	gwerrors.ErrBadGateway.WithRequestID(rc.RequestID).WithDetails("no usable websocket backend").WriteJSON(w)
}

func streamCopy(w http.ResponseWriter, body interface{ Read([]byte) (int, error) }, flusher http.Flusher) int64 {
	var total int64
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			flusher.Flush()
			total += int64(n)
		}
		if err != nil {
			return total
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
