package imagefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/vbonduro/imgdesc/internal/vision"
)

const (
	DefaultTimeout      = 15 * time.Second
	DefaultMaxBytes     = 20 * 1024 * 1024 // 20 MB
	DefaultMaxRedirects = 5
)

const userAgent = "imgdesc/1.0"

// ErrPrivateAddress is returned, wrapped in a vision.KindFetch error, when
// DenyPrivate is set and the image host resolves to a non-public address.
var ErrPrivateAddress = errors.New("image host resolves to a private address")

// sharedAddressSpace is the carrier-grade NAT range, which netip does not
// count as private.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

type Options struct {
	Timeout      time.Duration
	MaxBytes     int64
	MaxRedirects int
	// DenyPrivate refuses connections to loopback, link-local, private and
	// unspecified addresses. The check runs on every dial, so it also covers
	// redirects and DNS names that resolve to internal hosts.
	DenyPrivate bool
}

// Fetcher downloads images over HTTP(S). It is safe for concurrent use.
type Fetcher struct {
	client   *resty.Client
	maxBytes int64
}

func NewFetcher(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultMaxRedirects
	}

	client := resty.New().
		SetTimeout(opts.Timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(opts.MaxRedirects)).
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "image/*")

	if opts.DenyPrivate {
		dialer := &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   denyPrivateControl,
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = dialer.DialContext
		// A proxy would make the dialed address the proxy's, not the image host's.
		transport.Proxy = nil
		client.SetTransport(transport)
	}

	return &Fetcher{client: client, maxBytes: opts.MaxBytes}
}

// Fetch GETs rawURL and returns the body. Every failure is a vision.KindFetch
// error: bad URL, transport failure, non-2xx status or a body over the size
// limit.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, vision.NewError(vision.KindFetch, "fetch image", 0, err)
	}

	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		return nil, vision.NewError(vision.KindFetch, "fetch image", 0, err)
	}
	body := resp.RawBody()
	defer func() {
		if err := body.Close(); err != nil {
			slog.Error("failed to close image response body", "error", err)
		}
	}()

	if !resp.IsSuccess() {
		return nil, vision.NewError(vision.KindFetch, "fetch image", resp.StatusCode(), fmt.Errorf("unexpected status %s", resp.Status()))
	}

	if cl := resp.RawResponse.ContentLength; cl > f.maxBytes {
		return nil, vision.NewError(vision.KindFetch, "fetch image", resp.StatusCode(), fmt.Errorf("image is %d bytes, limit is %d", cl, f.maxBytes))
	}

	data, err := io.ReadAll(io.LimitReader(body, f.maxBytes+1))
	if err != nil {
		return nil, vision.NewError(vision.KindFetch, "fetch image", resp.StatusCode(), fmt.Errorf("failed to read body: %w", err))
	}
	if int64(len(data)) > f.maxBytes {
		return nil, vision.NewError(vision.KindFetch, "fetch image", resp.StatusCode(), fmt.Errorf("image exceeds %d byte limit", f.maxBytes))
	}
	return data, nil
}

func validateURL(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return fmt.Errorf("image url is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid image url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("image url has no host")
	}
	return nil
}

// denyPrivateControl runs after DNS resolution with the concrete address
// about to be dialed.
func denyPrivateControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	if !isPublicAddr(addr) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, addr)
	}
	return nil
}

func isPublicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsInterfaceLocalMulticast(),
		addr.IsMulticast(),
		addr.IsUnspecified(),
		sharedAddressSpace.Contains(addr):
		return false
	}
	return true
}
