package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

// fallbackAP is the baked-in access point spec.md §4.9 step 1 falls
// back to when apresolve.spotify.com itself can't be reached.
const fallbackAP = "ap.spotify.com:443"

const (
	connectTimeout = 10 * time.Second
	ioTimeout      = 10 * time.Second
)

// resolveAPs performs the AP resolution HTTP GET and falls back to the
// single baked-in address on any failure (spec.md §4.9 step 1).
func resolveAPs(ctx context.Context, client *http.Client, resolveURL string) []string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolveURL, nil)
	if err != nil {
		return []string{fallbackAP}
	}
	resp, err := client.Do(req)
	if err != nil {
		return []string{fallbackAP}
	}
	defer resp.Body.Close()

	var body struct {
		APList []string `json:"ap_list"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || len(body.APList) == 0 {
		return []string{fallbackAP}
	}
	return body.APList
}

// dialOptions configures how Connect reaches an access point.
type dialOptions struct {
	SocksProxyAddr string // empty disables proxying
}

// connectAny tries every resolved AP in order, per spec.md §4.9 step 2
// ("Try APs in order; 10s connect timeout ... optional SOCKS5 proxy"),
// returning the first that accepts a connection.
func connectAny(ctx context.Context, aps []string, opts dialOptions) (net.Conn, error) {
	var lastErr error
	for _, ap := range aps {
		conn, err := dialOne(ctx, ap, opts)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("transport: all access points failed, last error: %w", lastErr)
}

func dialOne(ctx context.Context, addr string, opts dialOptions) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if opts.SocksProxyAddr == "" {
		var d net.Dialer
		return d.DialContext(dctx, "tcp", addr)
	}
	dialer, err := proxy.SOCKS5("tcp", opts.SocksProxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("transport: socks5 dialer: %w", err)
	}
	// proxy.Dialer has no context-aware variant; a deadline-bearing
	// conn still enforces the effective timeout once connected via
	// SetDeadline in the handshake itself.
	return dialer.Dial("tcp", addr)
}
