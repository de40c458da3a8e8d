// Package httpclient is the HTTP client network harvesters use. Harvest
// endpoints come from dataset submissions, so by default it refuses to
// reach loopback, private and link-local addresses, including through
// redirects and DNS answers.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/metis/errors"
	"github.com/teranos/metis/version"
)

// Options configures a Client.
type Options struct {
	Timeout              time.Duration // per request, 0 = no timeout
	AllowPrivateNetworks bool          // permit loopback and RFC 1918 endpoints
	UserAgent            string
	MaxRedirects         int // 0 = 10
}

// Client wraps http.Client with endpoint validation.
type Client struct {
	http         *http.Client
	allowPrivate bool
	userAgent    string
}

// New creates a client.
func New(opts Options) *Client {
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 10
	}
	if opts.UserAgent == "" {
		opts.UserAgent = version.Get().UserAgent()
	}

	c := &Client{
		allowPrivate: opts.AllowPrivateNetworks,
		userAgent:    opts.UserAgent,
	}
	c.http = &http.Client{
		Timeout: opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= opts.MaxRedirects {
				return errors.Newf("stopped after %d redirects", opts.MaxRedirects)
			}
			return errors.Wrap(c.check(req.URL), "redirect blocked")
		},
	}
	if !c.allowPrivate {
		c.http.Transport = guardedTransport()
	}
	return c
}

// guardedTransport re-checks resolved addresses at dial time so a public
// host name cannot resolve to a private address.
func guardedTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrap(err, "invalid address")
			}
			addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to resolve host %q", host)
			}
			if len(addrs) == 0 {
				return nil, errors.Newf("no address for host %q", host)
			}
			for _, a := range addrs {
				if IsPrivate(a) {
					return nil, errors.Newf("private address blocked: %s", a)
				}
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].String(), port))
		},
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// Validate parses rawURL and checks it may be requested.
func (c *Client) Validate(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.check(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (c *Client) check(u *url.URL) error {
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return errors.NewInvalidRequestError("scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return errors.NewInvalidRequestError("URL must not carry credentials")
	}
	host := u.Hostname()
	if host == "" {
		return errors.NewInvalidRequestError("URL has no host")
	}
	if c.allowPrivate {
		return nil
	}
	if isLocalhost(host) {
		return errors.NewInvalidRequestError("localhost access blocked")
	}
	if a, err := netip.ParseAddr(host); err == nil && IsPrivate(a) {
		return errors.NewInvalidRequestError("private address blocked: %s", host)
	}
	return nil
}

// Get fetches rawURL. The caller closes the body.
func (c *Client) Get(ctx context.Context, rawURL string) (*http.Response, error) {
	u, err := c.Validate(rawURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("User-Agent", c.userAgent)
	return c.http.Do(req)
}

// IsPrivate reports whether a is loopback, private, link-local, multicast,
// unspecified or reserved for documentation.
func IsPrivate(a netip.Addr) bool {
	a = a.Unmap()
	if a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() ||
		a.IsMulticast() || a.IsUnspecified() || a.IsInterfaceLocalMulticast() {
		return true
	}
	for _, p := range reserved {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

var reserved = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("fec0::/10"),
	netip.MustParsePrefix("2001:db8::/32"),
}

func isLocalhost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "localhost.localdomain" || strings.HasSuffix(host, ".localhost")
}
