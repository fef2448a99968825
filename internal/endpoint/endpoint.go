// Package endpoint parses the addresses sandboxd listens on and clients dial.
package endpoint

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// HostEnvVar overrides the default endpoint for both serve and clients.
const HostEnvVar = "SANDBOXD_HOST"

const (
	DefaultListen = "http://0.0.0.0:8080"
	DefaultClient = "http://127.0.0.1:8080"

	defaultTSNetHostname = "sandboxd"
	defaultTSNetPort     = 8080
)

type Endpoint struct {
	Scheme  string
	Address string
	BaseURL string

	TSNetHostname string
	TSNetPort     int
}

// ResolveListen resolves an endpoint for server-side listening. tsnet:// is
// only meaningful here.
func ResolveListen(raw string) (Endpoint, error) {
	return resolve(raw, DefaultListen, true)
}

// Resolve resolves an endpoint for clients.
func Resolve(raw string) (Endpoint, error) {
	return resolve(raw, DefaultClient, false)
}

func resolve(raw, fallback string, listen bool) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(os.Getenv(HostEnvVar))
	}
	if value == "" {
		value = fallback
	}

	switch {
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return Endpoint{Scheme: "unix", Address: path, BaseURL: "http://unix"}, nil
	case strings.HasPrefix(value, "/"):
		return Endpoint{Scheme: "unix", Address: value, BaseURL: "http://unix"}, nil
	case strings.HasPrefix(value, "http://"), strings.HasPrefix(value, "https://"):
		u, err := url.Parse(value)
		if err != nil || u.Host == "" {
			return Endpoint{}, fmt.Errorf("invalid endpoint %q", value)
		}
		base := u.Scheme + "://" + u.Host
		return Endpoint{Scheme: u.Scheme, Address: u.Host, BaseURL: base}, nil
	case strings.HasPrefix(value, "tsnet://"):
		if !listen {
			return Endpoint{}, fmt.Errorf("tsnet:// endpoints are only valid for serve --listen; dial the tailnet host over http:// instead")
		}
		return resolveTSNet(value)
	default:
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q (expected unix://, http://, https://, tsnet:// or an absolute socket path)", value)
	}
}

func resolveTSNet(value string) (Endpoint, error) {
	rest := strings.TrimPrefix(value, "tsnet://")
	if strings.ContainsAny(rest, "/?#") {
		return Endpoint{}, fmt.Errorf("tsnet endpoint %q must not contain a path", value)
	}

	host, port := defaultTSNetHostname, defaultTSNetPort
	if rest != "" {
		h, p, err := net.SplitHostPort(rest)
		if err != nil {
			h, p = rest, ""
		}
		if h != "" {
			host = h
		}
		if p != "" {
			n, err := strconv.Atoi(p)
			if err != nil || n <= 0 || n > 65535 {
				return Endpoint{}, fmt.Errorf("invalid tsnet port %q", p)
			}
			port = n
		}
	}
	return Endpoint{
		Scheme:        "tsnet",
		Address:       ":" + strconv.Itoa(port),
		BaseURL:       "http://" + host + ":" + strconv.Itoa(port),
		TSNetHostname: host,
		TSNetPort:     port,
	}, nil
}
