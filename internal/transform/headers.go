// Package transform implements the transform pipeline (C8): header
// rewriting applied to the request before it is proxied and to the
// response before it is written back to the client.
package transform

import (
	"net/http"
	"strings"

	"github.com/wudi/edgegate/internal/realip"
	"github.com/wudi/edgegate/internal/reqctx"
)

// HeaderOp adds, renames, or removes a single header.
type HeaderOp struct {
	Name  string
	Value string // for Add/Set; "${var}" substitution (see expand) applies in the request phase only, response values are used verbatim
	From  string // for Rename, the source header name
}

// RequestConfig controls the request-phase transform.
type RequestConfig struct {
	Add    []HeaderOp
	Set    []HeaderOp
	Remove []string
	Rename []HeaderOp

	InjectPrincipalHeaders bool // x-user-id, x-auth-type, x-user-tier; no email or roles headers are injected
	InjectForwardedHeaders bool // x-forwarded-for/proto/host, x-real-ip
	InjectRequestID        bool // x-request-id, reusing one already set by middleware.RequestID
}

// ResponseConfig controls the response-phase transform.
type ResponseConfig struct {
	Add    []HeaderOp
	Set    []HeaderOp
	Remove []string
	Rename []HeaderOp

	StripSensitive  []string // header names removed unconditionally, e.g. Server, X-Powered-By
	SecurityHeaders SecurityHeaders
}

// SecurityHeaders are baseline response headers applied unless the
// upstream already set them; an empty Value skips the header entirely.
type SecurityHeaders struct {
	ContentTypeOptions    string // X-Content-Type-Options, default "nosniff"
	FrameOptions          string // X-Frame-Options, default "DENY"
	XSSProtection         string // X-XSS-Protection
	ReferrerPolicy        string // Referrer-Policy
	StrictTransportSec    string // Strict-Transport-Security
	ContentSecurityPolicy string // Content-Security-Policy
}

// DefaultSecurityHeaders mirrors common gateway defaults: safe to apply
// to any JSON/HTML API without breaking existing behavior.
func DefaultSecurityHeaders() SecurityHeaders {
	return SecurityHeaders{
		ContentTypeOptions: "nosniff",
		FrameOptions:       "DENY",
		ReferrerPolicy:     "no-referrer",
	}
}

// Pipeline applies the request and response transforms.
type Pipeline struct {
	req    RequestConfig
	resp   ResponseConfig
	realIP *realip.CompiledRealIP
}

// New builds a Pipeline. realIP may be nil, in which case forwarded-header
// injection falls back to reqctx.ExtractClientIP.
func New(req RequestConfig, resp ResponseConfig, realIP *realip.CompiledRealIP) *Pipeline {
	return &Pipeline{req: req, resp: resp, realIP: realIP}
}

// TransformRequest mutates r's headers in place before the proxy executor
// builds the outbound request.
func (p *Pipeline) TransformRequest(r *http.Request, rc *reqctx.Context) {
	for _, name := range p.req.Remove {
		r.Header.Del(name)
	}
	for _, op := range p.req.Rename {
		if v := r.Header.Get(op.From); v != "" {
			r.Header.Del(op.From)
			r.Header.Set(op.Name, v)
		}
	}
	for _, op := range p.req.Add {
		r.Header.Add(op.Name, expand(op.Value, r, rc))
	}
	for _, op := range p.req.Set {
		r.Header.Set(op.Name, expand(op.Value, r, rc))
	}

	if p.req.InjectRequestID && rc != nil && rc.RequestID != "" {
		r.Header.Set("X-Request-Id", rc.RequestID)
	}
	if p.req.InjectPrincipalHeaders && rc != nil {
		p.injectPrincipal(r, rc)
	}
	if p.req.InjectForwardedHeaders {
		p.injectForwarded(r, rc)
	}
}

func (p *Pipeline) injectPrincipal(r *http.Request, rc *reqctx.Context) {
	if rc.Principal.ID == "" {
		return
	}
	r.Header.Set("X-User-Id", rc.Principal.ID)
	if rc.Principal.Type != "" {
		r.Header.Set("X-Auth-Type", rc.Principal.Type)
	}
	if rc.Principal.Tier != "" {
		r.Header.Set("X-User-Tier", rc.Principal.Tier)
	}
}

func (p *Pipeline) injectForwarded(r *http.Request, rc *reqctx.Context) {
	clientIP := ""
	if p.realIP != nil {
		clientIP = p.realIP.Extract(r)
	}
	if clientIP == "" && rc != nil {
		clientIP = reqctx.ExtractClientIP(r, rc.ClientIP)
	}
	if clientIP == "" {
		clientIP = reqctx.ExtractClientIP(r, "")
	}

	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		r.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		r.Header.Set("X-Forwarded-For", clientIP)
	}
	r.Header.Set("X-Real-Ip", clientIP)

	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	if existing := r.Header.Get("X-Forwarded-Proto"); existing == "" {
		r.Header.Set("X-Forwarded-Proto", proto)
	}
	if existing := r.Header.Get("X-Forwarded-Host"); existing == "" && r.Host != "" {
		r.Header.Set("X-Forwarded-Host", r.Host)
	}
}

// TransformResponse mutates header's headers in place before the proxy
// executor copies them to the client's ResponseWriter.
func (p *Pipeline) TransformResponse(header http.Header, rc *reqctx.Context) {
	for _, name := range p.resp.StripSensitive {
		header.Del(name)
	}
	for _, name := range p.resp.Remove {
		header.Del(name)
	}
	for _, op := range p.resp.Rename {
		if v := header.Get(op.From); v != "" {
			header.Del(op.From)
			header.Set(op.Name, v)
		}
	}
	for _, op := range p.resp.Add {
		header.Add(op.Name, op.Value)
	}
	for _, op := range p.resp.Set {
		header.Set(op.Name, op.Value)
	}

	p.applySecurityHeaders(header)

	if rc != nil && rc.RequestID != "" && header.Get("X-Request-Id") == "" {
		header.Set("X-Request-Id", rc.RequestID)
	}
}

func (p *Pipeline) applySecurityHeaders(header http.Header) {
	sh := p.resp.SecurityHeaders
	setIfAbsent(header, "X-Content-Type-Options", sh.ContentTypeOptions)
	setIfAbsent(header, "X-Frame-Options", sh.FrameOptions)
	setIfAbsent(header, "X-Xss-Protection", sh.XSSProtection)
	setIfAbsent(header, "Referrer-Policy", sh.ReferrerPolicy)
	setIfAbsent(header, "Strict-Transport-Security", sh.StrictTransportSec)
	setIfAbsent(header, "Content-Security-Policy", sh.ContentSecurityPolicy)
}

func setIfAbsent(header http.Header, name, value string) {
	if value == "" {
		return
	}
	if header.Get(name) != "" {
		return
	}
	header.Set(name, value)
}

// expand substitutes "${request_id}", "${client_ip}", "${route_id}" in
// value with the corresponding reqctx field; unknown placeholders are left
// as-is.
func expand(value string, r *http.Request, rc *reqctx.Context) string {
	if !strings.Contains(value, "${") {
		return value
	}
	replacer := strings.NewReplacer(
		"${host}", r.Host,
		"${method}", r.Method,
		"${path}", r.URL.Path,
	)
	if rc != nil {
		replacer = strings.NewReplacer(
			"${host}", r.Host,
			"${method}", r.Method,
			"${path}", r.URL.Path,
			"${request_id}", rc.RequestID,
			"${client_ip}", rc.ClientIP,
			"${route_id}", rc.RouteID,
		)
	}
	return replacer.Replace(value)
}
