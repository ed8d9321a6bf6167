package proxy

import (
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// IsWebSocketUpgrade reports whether r is asking to switch to the
// WebSocket protocol.
func IsWebSocketUpgrade(r *http.Request) bool {
	connection := strings.ToLower(r.Header.Get("Connection"))
	upgrade := strings.ToLower(r.Header.Get("Upgrade"))
	return strings.Contains(connection, "upgrade") && upgrade == "websocket"
}

// proxyWebSocket hijacks the client connection and pumps bytes between
// it and a freshly dialed backend connection, after relaying the
// original upgrade request verbatim. The transform pipeline is applied
// to the request headers before this is called; once hijacked, neither
// side is interpreted as HTTP again.
func proxyWebSocket(w http.ResponseWriter, r *http.Request, target *url.URL, logger *zap.Logger) error {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket upgrade not supported", http.StatusInternalServerError)
		return nil
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		return err
	}
	defer clientConn.Close()

	backendAddr := target.Host
	if !strings.Contains(backendAddr, ":") {
		if target.Scheme == "https" || target.Scheme == "wss" {
			backendAddr += ":443"
		} else {
			backendAddr += ":80"
		}
	}

	backendConn, err := net.DialTimeout("tcp", backendAddr, 10*time.Second)
	if err != nil {
		clientBuf.WriteString("HTTP/1.1 502 Bad Gateway\r\n\r\n")
		clientBuf.Flush()
		return err
	}
	defer backendConn.Close()

	reqPath := r.URL.Path
	if r.URL.RawQuery != "" {
		reqPath += "?" + r.URL.RawQuery
	}
	backendConn.Write([]byte(r.Method + " " + reqPath + " HTTP/1.1\r\n"))

	r.Header.Set("Host", target.Host)
	for key, values := range r.Header {
		for _, v := range values {
			backendConn.Write([]byte(key + ": " + v + "\r\n"))
		}
	}
	backendConn.Write([]byte("\r\n"))

	buf := make([]byte, 4096)
	n, err := backendConn.Read(buf)
	if err != nil {
		clientBuf.WriteString("HTTP/1.1 502 Bad Gateway\r\n\r\n")
		clientBuf.Flush()
		return err
	}
	clientConn.Write(buf[:n])

	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(backendConn, clientConn)
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(clientConn, backendConn)
		errCh <- err
	}()

	<-errCh
	clientConn.SetDeadline(time.Now().Add(time.Second))
	backendConn.SetDeadline(time.Now().Add(time.Second))

	logger.Debug("websocket session ended", zap.String("backend", backendAddr))
	return nil
}
