// Package config loads and validates the immutable proxy configuration.
//
// Settings come from CLI flags and, optionally, from a viper-readable
// configuration file. Explicit flags win over file values. All endpoint
// addresses are resolved here, once; the reactor never revisits DNS.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"github.com/webitel/tcp-relay-proxy/infra/socket"
)

const (
	DefaultConnectTimeoutMS = 5000
	DefaultPeriodicLogMS    = 0

	minConnectTimeoutMS = 1
	maxConnectTimeoutMS = 60 * 1000
	maxPeriodicLogMS    = 3600 * 1000
)

// Endpoint is a resolved network address plus its printable form.
type Endpoint struct {
	AddrPort netip.AddrPort
	Display  socket.AddrPort
}

// ProxyConfig is the only external data the reactor reads. It is immutable
// after Load returns.
type ProxyConfig struct {
	Listeners        []Endpoint
	Upstreams        []Endpoint
	ConnectTimeout   time.Duration
	PeriodicInterval time.Duration
	FlushAfterLog    bool
}

// Load merges flags with the optional configuration file, validates ranges
// and resolves every endpoint.
func Load(c *cli.Context) (*ProxyConfig, error) {
	v := viper.New()
	v.SetDefault("connect-timeout-ms", DefaultConnectTimeoutMS)
	v.SetDefault("periodic-log-ms", DefaultPeriodicLogMS)
	v.SetDefault("flush", false)

	if path := c.String("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	listen := v.GetStringSlice("listen")
	if s := c.StringSlice("l"); len(s) > 0 {
		listen = s
	}
	remote := v.GetStringSlice("remote")
	if s := c.StringSlice("r"); len(s) > 0 {
		remote = s
	}
	if len(listen) == 0 {
		return nil, fmt.Errorf("at least one listen address (-l) is required")
	}
	if len(remote) == 0 {
		return nil, fmt.Errorf("at least one remote address (-r) is required")
	}

	connectMS := v.GetInt("connect-timeout-ms")
	if c.IsSet("c") {
		connectMS = c.Int("c")
	}
	if connectMS < minConnectTimeoutMS || connectMS > maxConnectTimeoutMS {
		return nil, fmt.Errorf("invalid connect timeout %d: value must be between %d and %d",
			connectMS, minConnectTimeoutMS, maxConnectTimeoutMS)
	}

	periodicMS := v.GetInt("periodic-log-ms")
	if c.IsSet("p") {
		periodicMS = c.Int("p")
	}
	if periodicMS < 0 || periodicMS > maxPeriodicLogMS {
		return nil, fmt.Errorf("invalid periodic log interval %d: value must be between 0 and %d",
			periodicMS, maxPeriodicLogMS)
	}

	flush := v.GetBool("flush")
	if c.IsSet("f") {
		flush = c.Bool("f")
	}

	cfg := &ProxyConfig{
		ConnectTimeout:   time.Duration(connectMS) * time.Millisecond,
		PeriodicInterval: time.Duration(periodicMS) * time.Millisecond,
		FlushAfterLog:    flush,
	}

	for _, arg := range listen {
		eps, err := resolveEndpoints(c, arg, false)
		if err != nil {
			return nil, err
		}
		cfg.Listeners = append(cfg.Listeners, eps...)
	}
	for _, arg := range remote {
		eps, err := resolveEndpoints(c, arg, true)
		if err != nil {
			return nil, err
		}
		cfg.Upstreams = append(cfg.Upstreams, eps...)
	}

	return cfg, nil
}

// splitHostPort splits on the last colon so that a bare numeric IPv6
// address with a trailing :port parses the same way the usual host:port
// form does. A bracketed IPv6 host is unwrapped.
func splitHostPort(arg string) (host, port string, err error) {
	i := strings.LastIndexByte(arg, ':')
	if i <= 0 || i == len(arg)-1 {
		return "", "", fmt.Errorf("invalid address:port argument: %q", arg)
	}
	host, port = arg[:i], arg[i+1:]
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	if host == "" {
		return "", "", fmt.Errorf("invalid address:port argument: %q", arg)
	}
	return host, port, nil
}

// resolveEndpoints resolves one host:port argument. For remote arguments
// every resolved address becomes an endpoint; listeners take the first.
func resolveEndpoints(c *cli.Context, arg string, all bool) ([]Endpoint, error) {
	host, port, err := splitHostPort(arg)
	if err != nil {
		return nil, err
	}

	pnum, err := net.DefaultResolver.LookupPort(c.Context, "tcp", port)
	if err != nil {
		return nil, fmt.Errorf("resolving port of %q: %w", arg, err)
	}

	addrs, err := net.DefaultResolver.LookupNetIP(c.Context, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolving address %q: %w", arg, err)
	}
	if !all && len(addrs) > 1 {
		addrs = addrs[:1]
	}

	eps := make([]Endpoint, 0, len(addrs))
	for _, addr := range addrs {
		eps = append(eps, newEndpoint(addr.Unmap(), uint16(pnum)))
	}
	return eps, nil
}

func newEndpoint(addr netip.Addr, port uint16) Endpoint {
	return Endpoint{
		AddrPort: netip.AddrPortFrom(addr, port),
		Display: socket.AddrPort{
			Addr: addr.String(),
			Port: strconv.Itoa(int(port)),
		},
	}
}
