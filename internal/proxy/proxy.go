package proxy

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"
)

// RPCProxy is a loopback reverse proxy in front of a token-authenticated
// RPC provider. It injects the provider token before forwarding, so
// operator tooling and sidecar processes can query the chain without
// ever holding the token themselves.
type RPCProxy struct {
	server *http.Server
	token  string
	secret string // shared secret callers must present to use the proxy
	addr   string
}

// New creates an RPCProxy that will listen on the given loopback port
// and inject the provider token as a bearer Authorization header on
// every forwarded request. If secret is non-empty, incoming requests
// must present it as the x-rpc-secret header value.
func New(port int, upstream, token, secret string) (*RPCProxy, error) {
	target, err := url.Parse(upstream)
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("malformed upstream RPC endpoint %q", upstream)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	p := &RPCProxy{
		token:  token,
		secret: secret,
		addr:   addr,
	}

	rp := httputil.NewSingleHostReverseProxy(target)

	// Customise the Director to set auth headers.
	origDirector := rp.Director
	rp.Director = func(r *http.Request) {
		origDirector(r)
		// Strip any auth headers the caller may have sent.
		r.Header.Del("Authorization")
		r.Header.Del("x-rpc-secret")
		// Inject the real token.
		if p.token != "" {
			r.Header.Set("Authorization", "Bearer "+p.token)
		}
		r.Host = target.Host
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", p.handleProxy(rp))

	p.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return p, nil
}

// handleProxy validates the shared secret before forwarding to the reverse proxy.
func (p *RPCProxy) handleProxy(rp *httputil.ReverseProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p.secret != "" {
			presented := r.Header.Get("x-rpc-secret")
			if subtle.ConstantTimeCompare([]byte(presented), []byte(p.secret)) != 1 {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}
		rp.ServeHTTP(w, r)
	}
}

// Start begins listening. It returns an error if the bind fails.
// The server runs in a background goroutine.
func (p *RPCProxy) Start() error {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("rpc proxy listen: %w", err)
	}
	go func() {
		_ = p.server.Serve(ln) // returns on Close/Shutdown
	}()
	return nil
}

// Close gracefully shuts down the proxy.
func (p *RPCProxy) Close(ctx context.Context) error {
	return p.server.Shutdown(ctx)
}
