// Package egress implements the forward proxy every sandbox's outbound
// HTTP(S) traffic must pass through. Requests are validated in a fixed
// order: hostname allowlist first, then a fresh DNS resolution, then a
// private/reserved-range check of the resolved address — and the outbound
// connection is opened against exactly the address that was just checked.
// A second DNS answer can therefore never redirect an allowlisted name to
// private infrastructure.
package egress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	dialTimeout    = 10 * time.Second
	connectOKLine  = "HTTP/1.1 200 Connection Established\r\n\r\n"
	rejectMessage  = "egress blocked"
	upstreamFailed = "upstream unreachable"
)

// errRejected marks any validation failure; the caller always gets the
// same uniform reject response regardless of which stage fired.
var errRejected = errors.New("egress rejected")

// Proxy is the egress chokepoint. The zero value is not usable; use New.
type Proxy struct {
	addr      string
	allowlist *Allowlist
	counters  *Counters
	log       zerolog.Logger

	// resolution and dialing are indirected for tests.
	lookupIP func(ctx context.Context, host string) ([]net.IP, error)
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func New(addr string, allowlist *Allowlist, log zerolog.Logger) *Proxy {
	dialer := &net.Dialer{Timeout: dialTimeout}
	return &Proxy{
		addr:      addr,
		allowlist: allowlist,
		counters:  NewCounters(),
		log:       log.With().Str("component", "egress").Logger(),
		lookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, len(addrs))
			for i, a := range addrs {
				ips[i] = a.IP
			}
			return ips, nil
		},
		dial: dialer.DialContext,
	}
}

// Allowlist exposes the proxy's mutable allowlist configuration.
func (p *Proxy) Allowlist() *Allowlist { return p.allowlist }

// Counters exposes the allowed/blocked metrics.
func (p *Proxy) Counters() *Counters { return p.counters }

// Start begins listening. Starting an already-started proxy is a no-op.
func (p *Proxy) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener != nil {
		return nil
	}
	listener, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("egress proxy listen on %s: %w", p.addr, err)
	}
	p.listener = listener
	p.server = &http.Server{Handler: p}
	go func() {
		if err := p.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error().Err(err).Msg("egress proxy serve failed")
		}
	}()
	p.log.Info().Str("addr", listener.Addr().String()).Msg("egress proxy listening")
	return nil
}

// Close stops the listener and releases the port.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server == nil {
		return nil
	}
	err := p.server.Close()
	p.listener = nil
	p.server = nil
	return err
}

// Addr returns the bound listener address, or the configured address if
// the proxy has not started.
func (p *Proxy) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener != nil {
		return p.listener.Addr().String()
	}
	return p.addr
}

// Healthy reports whether the proxy is currently accepting connections.
// A dead proxy means sandbox egress is unfiltered, which the reconciler
// escalates as an operational warning.
func (p *Proxy) Healthy() bool {
	conn, err := net.DialTimeout("tcp", p.Addr(), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	source, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		source = r.RemoteAddr
	}
	reqID := uuid.NewString()[:8]

	// Malformed and non-proxy requests are rejected without counting:
	// only destinations that reach the allowlist stage belong in the
	// blocked ranking.
	host, port, err := destination(r)
	if err != nil {
		p.log.Debug().Str("req", reqID).Str("source", source).Str("host", r.Host).Msg("not a proxy request")
		http.Error(w, rejectMessage, http.StatusForbidden)
		return
	}

	target, err := p.validate(r.Context(), reqID, source, host)
	if err != nil {
		http.Error(w, rejectMessage, http.StatusForbidden)
		return
	}
	// Both checks passed: connect to the exact address just validated.
	p.counters.Allow()
	addr := net.JoinHostPort(target.String(), port)

	if r.Method == http.MethodConnect {
		p.tunnel(w, r, reqID, addr)
		return
	}
	p.forward(w, r, reqID, addr)
}

// destination extracts the hostname and port the caller wants to reach.
// CONNECT carries them in the request host; plain forwarding requires an
// absolute URI.
func destination(r *http.Request) (host, port string, err error) {
	if r.Method == http.MethodConnect {
		host, port, err = net.SplitHostPort(r.Host)
		if err != nil {
			return r.Host, "", fmt.Errorf("connect target %q: %w", r.Host, err)
		}
		return host, port, nil
	}
	if !r.URL.IsAbs() {
		return r.Host, "", fmt.Errorf("%w: not a proxy request", errRejected)
	}
	host = r.URL.Hostname()
	port = r.URL.Port()
	if port == "" {
		if r.URL.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return host, port, nil
}

// validate runs the ordered pipeline and returns the single address the
// caller may be connected to.
func (p *Proxy) validate(ctx context.Context, reqID, source, host string) (net.IP, error) {
	if !p.allowlist.Match(source, host) {
		p.counters.Block(host)
		p.log.Warn().Str("req", reqID).Str("source", source).Str("host", host).Msg("destination not allowlisted")
		return nil, errRejected
	}

	// Literal addresses are validated directly; names are resolved fresh
	// on every request so the checked answer is the one used to connect.
	if ip := net.ParseIP(host); ip != nil {
		if disallowedIP(ip) {
			p.counters.Block(host)
			p.log.Warn().Str("req", reqID).Str("host", host).Msg("literal address in reserved range")
			return nil, errRejected
		}
		return ip, nil
	}

	ips, err := p.lookupIP(ctx, host)
	if err != nil || len(ips) == 0 {
		p.counters.Block(host)
		p.log.Warn().Str("req", reqID).Str("host", host).Err(err).Msg("resolution failed")
		return nil, errRejected
	}
	// A partially-private answer is treated as hostile: one reserved
	// address rejects the whole request.
	for _, ip := range ips {
		if disallowedIP(ip) {
			p.counters.Block(host)
			p.log.Warn().Str("req", reqID).Str("host", host).Str("ip", ip.String()).Msg("resolved to reserved range")
			return nil, errRejected
		}
	}
	return ips[0], nil
}

// tunnel splices raw bytes between the caller and the destination. The
// payload is never inspected or decrypted.
func (p *Proxy) tunnel(w http.ResponseWriter, r *http.Request, reqID, addr string) {
	upstream, err := p.dial(r.Context(), "tcp", addr)
	if err != nil {
		p.log.Warn().Str("req", reqID).Str("addr", addr).Err(err).Msg("tunnel dial failed")
		http.Error(w, upstreamFailed, http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, upstreamFailed, http.StatusBadGateway)
		return
	}
	client, buffered, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		return
	}
	if _, err := client.Write([]byte(connectOKLine)); err != nil {
		client.Close()
		upstream.Close()
		return
	}

	// Client reads go through the buffered reader so bytes read ahead of
	// the hijack are not lost.
	go splice(upstream, buffered, client)
	go splice(client, upstream, upstream)
}

// splice copies one tunnel direction, then tears down both ends so the
// opposite copy unblocks.
func splice(dst net.Conn, src io.Reader, srcConn net.Conn) {
	_, _ = io.Copy(dst, src)
	dst.Close()
	srcConn.Close()
}

// forward issues an equivalent request to the validated destination and
// pipes the response back.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, reqID, addr string) {
	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	stripProxyHeaders(outReq.Header)

	transport := &http.Transport{
		// Pin the connection to the validated address: re-resolving the
		// hostname here would reopen the rebinding window.
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return p.dial(ctx, network, addr)
		},
		DisableKeepAlives: true,
	}
	resp, err := transport.RoundTrip(outReq)
	if err != nil {
		p.log.Warn().Str("req", reqID).Str("addr", addr).Err(err).Msg("forward failed")
		http.Error(w, upstreamFailed, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// stripProxyHeaders removes proxy-specific and hop-by-hop headers before
// forwarding.
func stripProxyHeaders(h http.Header) {
	for _, name := range []string{
		"Proxy-Connection", "Proxy-Authorization", "Proxy-Authenticate",
		"Connection", "Keep-Alive", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
	} {
		h.Del(name)
	}
}
