package proxy

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// TransportPool lazily creates and caches one *http.Transport per
// upstream address so connection pools (and therefore keep-alives) are
// shared across every request to the same backend instead of being
// rebuilt per attempt.
type TransportPool struct {
	mu         sync.RWMutex
	transports map[string]http.RoundTripper
	factory    func() *http.Transport
}

// NewTransportPool builds a pool using sane defaults for a gateway
// fronting many small backends: generous idle connections, short
// keep-alive dial timeout.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		transports: make(map[string]http.RoundTripper),
		factory: func() *http.Transport {
			return &http.Transport{
				Proxy: nil,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          200,
				MaxIdleConnsPerHost:   50,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   5 * time.Second,
				ExpectContinueTimeout: time.Second,
			}
		},
	}
}

// Get returns the shared transport for upstream, creating one on first
// use.
func (p *TransportPool) Get(upstream string) http.RoundTripper {
	p.mu.RLock()
	t, ok := p.transports[upstream]
	p.mu.RUnlock()
	if ok {
		return t
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.transports[upstream]; ok {
		return t
	}
	t = p.factory()
	p.transports[upstream] = t
	return t
}
