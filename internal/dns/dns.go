// Package dns resolves relay hostnames, falling back to public resolvers when
// the system resolver fails. Captive portals and broken VPN split-DNS setups
// otherwise keep the relay websocket from ever connecting.
package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// PublicServers are queried in parallel when the system lookup fails.
var PublicServers = []string{
	"1.1.1.1",
	"1.0.0.1",
	"2606:4700:4700::1111",
	"8.8.8.8",
	"8.8.4.4",
	"2001:4860:4860::8888",
	"9.9.9.9",
	"149.112.112.112",
	"208.67.222.222",
}

// LookupFunc resolves host. An empty server means the system resolver.
type LookupFunc func(ctx context.Context, server, host string) ([]string, error)

// Resolver looks a host up locally first and then races PublicServers.
type Resolver struct {
	Servers      []string
	LocalTimeout time.Duration
	RaceTimeout  time.Duration
	Logger       *slog.Logger
	Lookup       LookupFunc
}

func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		Servers:      PublicServers,
		LocalTimeout: time.Second,
		RaceTimeout:  2 * time.Second,
		Logger:       logger,
		Lookup:       lookupHost,
	}
}

// Resolve returns one address for host, preferring IPv4. Literal IPs are
// returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}

	localCtx, cancel := context.WithTimeout(ctx, r.LocalTimeout)
	ips, err := r.Lookup(localCtx, "", host)
	cancel()
	if err == nil && len(ips) > 0 {
		return preferIPv4(ips), nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	r.Logger.Debug("system dns failed, racing public resolvers", "host", host, "error", err)
	return r.race(ctx, host)
}

func (r *Resolver) race(ctx context.Context, host string) (string, error) {
	if len(r.Servers) == 0 {
		return "", fmt.Errorf("resolve %s: no public resolvers configured", host)
	}

	ctx, cancel := context.WithTimeout(ctx, r.RaceTimeout)
	defer cancel()

	type result struct {
		ips []string
		err error
	}
	results := make(chan result, len(r.Servers))
	for _, server := range r.Servers {
		go func() {
			ips, err := r.Lookup(ctx, server, host)
			results <- result{ips, err}
		}()
	}

	var errs []error
	for range r.Servers {
		select {
		case res := <-results:
			if res.err == nil && len(res.ips) > 0 {
				return preferIPv4(res.ips), nil
			}
			if res.err != nil {
				errs = append(errs, res.err)
			}
		case <-ctx.Done():
			return "", fmt.Errorf("resolve %s: %w", host, ctx.Err())
		}
	}
	return "", fmt.Errorf("resolve %s: all %d public resolvers failed: %w", host, len(r.Servers), errors.Join(errs...))
}

// DialContext resolves the host part of addr and dials the result. It fits
// net.Dialer.DialContext and websocket.Dialer.NetDialContext.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ip, err := r.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
}

func lookupHost(ctx context.Context, server, host string) ([]string, error) {
	res := net.DefaultResolver
	if server != "" {
		res = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, net.JoinHostPort(server, "53"))
			},
		}
	}
	return res.LookupHost(ctx, host)
}

func preferIPv4(ips []string) string {
	for _, ip := range ips {
		if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() != nil {
			return ip
		}
	}
	return ips[0]
}
