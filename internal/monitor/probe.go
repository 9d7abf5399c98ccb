package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"sessionkeeper/internal/errs"
)

// Prober performs a single reachability check. A nil error means a response
// was received; the content of the response does not matter.
type Prober interface {
	Probe(ctx context.Context) error
	Target() string
}

// HTTPProber issues a minimal request to a fixed, always-available resource.
type HTTPProber struct {
	url    string
	method string
	client *http.Client
}

// NewHTTPProber builds a prober for url. Redirects are not followed: the
// first response proves reachability.
func NewHTTPProber(url, method string) *HTTPProber {
	if method == "" {
		method = http.MethodHead
	}
	return &HTTPProber{
		url:    url,
		method: strings.ToUpper(method),
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (p *HTTPProber) Target() string { return p.url }

// Probe succeeds for any HTTP response, including non-2xx statuses.
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, p.method, p.url, nil)
	if err != nil {
		return errs.Wrap(err, errs.ErrCodeProbeFailed, "build probe request")
	}
	req.Header.Set("Cache-Control", "no-cache")

	response, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return errs.Wrap(err, errs.ErrCodeProbeFailed, "probe timed out")
		}
		return errs.Wrap(err, errs.ErrCodeProbeFailed, "probe request failed")
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 4096))
	_ = response.Body.Close()
	return nil
}

// DialProber checks reachability with a TCP dial, by default to a public DNS
// resolver on port 53.
type DialProber struct {
	address string
	dialer  net.Dialer
}

// NewDialProber builds a prober for target; a bare host gets port 53.
func NewDialProber(target string) *DialProber {
	target = strings.TrimSpace(target)
	if target == "" {
		target = "1.1.1.1"
	}
	address := target
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, "53")
	}
	return &DialProber{address: address}
}

func (p *DialProber) Target() string { return p.address }

func (p *DialProber) Probe(ctx context.Context) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return errs.Wrap(err, errs.ErrCodeProbeFailed, fmt.Sprintf("dial %s", p.address))
	}
	_ = conn.Close()
	return nil
}
