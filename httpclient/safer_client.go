// Package httpclient provides the hardened HTTP client the HTTP bridge's
// outbound calls go through. A bridge transport (the HTTP
// bridge's batch POST, its long-poll GET, its health probe) is configured
// with a peer URL at registration time and then dials it repeatedly and
// unattended — exactly the shape that invites SSRF if a misconfigured or
// malicious peer URL is ever allowed to redirect or resolve into the
// propagator host's own private network.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/propagator/errors"
)

// SaferClient wraps http.Client with SSRF protection for bridge peer
// calls: scheme allowlisting, private/loopback/link-local IP blocking
// (checked both at the configured peer hostname and, to defeat DNS
// rebinding, again against whatever address actually resolves at dial
// time), and a bounded redirect chain.
type SaferClient struct {
	*http.Client
	allowedSchemes []string
	blockPrivateIP bool
	maxRedirects   int
}

// SaferClientOptions customizes a bridge peer client's SSRF posture.
// Bridges that must reach a peer on a private network (an internal HTTP
// bridge target reachable only inside a VPC, or a loopback-bound peer in
// tests) set BlockPrivateIP to false explicitly rather than the zero
// value defaulting it off by accident.
type SaferClientOptions struct {
	AllowedSchemes []string // default: http, https
	MaxRedirects   *int     // default: 10
	BlockPrivateIP *bool    // default: true
}

// NewSaferClient builds a bridge peer client with the default SSRF
// posture: http/https only, private IPs blocked, at most 10 redirects.
func NewSaferClient(timeout time.Duration) *SaferClient {
	return NewSaferClientWithOptions(timeout, SaferClientOptions{})
}

// NewSaferClientWithOptions builds a bridge peer client with a
// caller-chosen SSRF posture — see SaferClientOptions.
func NewSaferClientWithOptions(timeout time.Duration, opts SaferClientOptions) *SaferClient {
	blockPrivateIP := true
	if opts.BlockPrivateIP != nil {
		blockPrivateIP = *opts.BlockPrivateIP
	}

	maxRedirects := 10
	if opts.MaxRedirects != nil {
		maxRedirects = *opts.MaxRedirects
	}

	allowedSchemes := []string{"http", "https"}
	if opts.AllowedSchemes != nil {
		allowedSchemes = opts.AllowedSchemes
	}

	client := &SaferClient{
		Client:         &http.Client{Timeout: timeout},
		allowedSchemes: allowedSchemes,
		blockPrivateIP: blockPrivateIP,
		maxRedirects:   maxRedirects,
	}

	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= client.maxRedirects {
			return errors.Newf("stopped after %d redirects", client.maxRedirects)
		}
		if err := client.validateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect to bridge peer blocked")
		}
		return nil
	}

	if blockPrivateIP {
		client.Transport = privateIPBlockingTransport()
	}

	return client
}

// privateIPBlockingTransport dials with the standard pooling/timeout
// settings but resolves the target itself first and refuses to connect
// if the resolved address is private — this is what stops a peer
// hostname from rebinding to an internal address between the hostname
// check in validateURL and the actual TCP dial.
func privateIPBlockingTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}

	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid bridge peer address")
			}

			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to resolve bridge peer host %q", host)
			}
			for _, ip := range ips {
				if isPrivateIP(ip) {
					return nil, errors.Newf("bridge peer resolved to a private IP address: %s", ip)
				}
			}

			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// validateURL checks scheme, credential-injection patterns, and (if
// enabled) private/loopback hostnames before a request is allowed to
// reach a bridge peer.
func (c *SaferClient) validateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range c.allowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Newf("scheme %q not allowed for a bridge peer (allowed: %v)", scheme, c.allowedSchemes)
	}

	if strings.Contains(u.String(), "@") {
		return errors.New("bridge peer URL contains @ character (potential SSRF attempt)")
	}

	hostname := u.Hostname()
	if hostname == "" {
		return errors.New("bridge peer URL missing hostname")
	}

	if c.blockPrivateIP {
		if isLocalhost(hostname) {
			return errors.New("bridge peer on localhost blocked")
		}
		if ip := net.ParseIP(hostname); ip != nil && isPrivateIP(ip) {
			return errors.Newf("bridge peer has a private IP address: %s", hostname)
		}
	}

	return nil
}

// ValidateURL validates a bridge peer URL string before a caller builds
// a request against it.
func (c *SaferClient) ValidateURL(urlStr string) (*url.URL, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, errors.Wrap(err, "invalid bridge peer URL")
	}
	if err := c.validateURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Get validates urlStr against the SSRF policy before delegating to the
// embedded client.
func (c *SaferClient) Get(urlStr string) (*http.Response, error) {
	if _, err := c.ValidateURL(urlStr); err != nil {
		return nil, err
	}
	return c.Client.Get(urlStr)
}

// Do validates req's URL against the SSRF policy before delegating to
// the embedded client. The HTTP bridge routes its outbound calls (batch
// POST, long-poll GET, health probe) through this.
func (c *SaferClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.validateURL(req.URL); err != nil {
		return nil, errors.Wrap(err, "request to bridge peer blocked by SSRF protection")
	}
	return c.Client.Do(req)
}

// isPrivateIP reports whether ip falls in an RFC 1918, loopback,
// link-local, or other special-use range that a bridge peer must never
// resolve to.
func isPrivateIP(ip net.IP) bool {
	privateBlocks := []net.IPNet{
		{IP: net.IPv4(10, 0, 0, 0), Mask: net.CIDRMask(8, 32)},     // 10.0.0.0/8
		{IP: net.IPv4(172, 16, 0, 0), Mask: net.CIDRMask(12, 32)},  // 172.16.0.0/12
		{IP: net.IPv4(192, 168, 0, 0), Mask: net.CIDRMask(16, 32)}, // 192.168.0.0/16
		{IP: net.IPv4(127, 0, 0, 0), Mask: net.CIDRMask(8, 32)},    // 127.0.0.0/8 loopback
		{IP: net.IPv4(169, 254, 0, 0), Mask: net.CIDRMask(16, 32)}, // 169.254.0.0/16 link-local
		{IP: net.IPv4(0, 0, 0, 0), Mask: net.CIDRMask(8, 32)},      // 0.0.0.0/8
		{IP: net.IPv4(224, 0, 0, 0), Mask: net.CIDRMask(4, 32)},    // 224.0.0.0/4 multicast
		{IP: net.IPv4(240, 0, 0, 0), Mask: net.CIDRMask(4, 32)},    // 240.0.0.0/4 reserved
	}

	if ip4 := ip.To4(); ip4 != nil {
		for _, block := range privateBlocks {
			if block.Contains(ip4) {
				return true
			}
		}
		return false
	}

	if len(ip) == net.IPv6len {
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsUnspecified() {
			return true
		}
		// fc00::/7, the IPv6 equivalent of RFC 1918 private space.
		if (ip[0] & 0xfe) == 0xfc {
			return true
		}
		// fec0::/10, deprecated site-local but still blocked.
		if ip[0] == 0xfe && (ip[1]&0xc0) == 0xc0 {
			return true
		}
		if ip.To4() != nil {
			return false
		}
		// 2001:db8::/32, reserved for documentation/examples.
		if ip[0] == 0x20 && ip[1] == 0x01 && ip[2] == 0x0d && ip[3] == 0xb8 {
			return true
		}
		return false
	}

	return false
}

// isLocalhost reports whether hostname names the local machine under
// one of its common aliases.
func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" ||
		hostname == "localhost.localdomain" ||
		strings.HasSuffix(hostname, ".localhost")
}
