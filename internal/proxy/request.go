package proxy

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// createProxyRequest builds the outbound request to target, carrying
// over r's method, body, and headers. Hop-by-hop headers are stripped;
// the caller is responsible for running the transform pipeline before
// or after this, as appropriate.
func createProxyRequest(ctx context.Context, r *http.Request, target *url.URL) *http.Request {
	outURL := *target
	outURL.Path = singleJoiningSlash(target.Path, r.URL.Path)
	outURL.RawQuery = r.URL.RawQuery

	out := (&http.Request{
		Method:        r.Method,
		URL:           &outURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	out.Header = make(http.Header, len(r.Header)+4)
	for k, vv := range r.Header {
		out.Header[k] = append([]string(nil), vv...)
	}
	removeHopHeaders(out.Header)

	return out
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}
