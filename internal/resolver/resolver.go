// Package resolver turns an inbound proxy request into a validated upstream target.
package resolver

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"hls-proxy/internal/config"
	"hls-proxy/internal/model"
	"hls-proxy/internal/playlist"
	"hls-proxy/internal/ssrf"
)

// Resolver parses and validates proxy targets. It never touches the network.
type Resolver struct {
	guard  *ssrf.Guard
	maxLen int
}

// New creates a Resolver bounded by proxy.max_url_length.
func New(cfg *config.Config, guard *ssrf.Guard) *Resolver {
	return &Resolver{guard: guard, maxLen: cfg.Proxy.MaxURLLength}
}

// Parse extracts the raw target and its addressing mode from r. basePath is the
// route the proxy is mounted on, e.g. "/proxy".
//
// A non-empty path remainder selects path or base64 mode; otherwise the url query
// parameter is used.
func (rv *Resolver) Parse(r *http.Request, basePath string) (model.ProxyRequest, error) {
	pr := model.ProxyRequest{
		Method: r.Method,
		Header: r.Header,
	}

	rest := strings.TrimPrefix(r.URL.EscapedPath(), strings.TrimSuffix(basePath, "/"))
	rest = strings.TrimPrefix(rest, "/")

	switch {
	case rest == "":
		pr.Mode = model.ModeQuery
		pr.RawTarget = r.URL.Query().Get("url")

	case rest == playlist.Base64Segment || strings.HasPrefix(rest, playlist.Base64Segment+"/"):
		pr.Mode = model.ModeBase64Path
		enc := strings.TrimPrefix(strings.TrimPrefix(rest, playlist.Base64Segment), "/")
		if len(enc) > rv.encodedLimit() {
			return pr, fmt.Errorf("%w: target longer than %d characters", model.ErrInvalidTarget, rv.maxLen)
		}
		unescaped, err := url.PathUnescape(enc)
		if err != nil {
			return pr, fmt.Errorf("%w: %w", model.ErrInvalidTarget, err)
		}
		target, err := playlist.Decode(unescaped)
		if err != nil {
			return pr, fmt.Errorf("%w: %w", model.ErrInvalidTarget, err)
		}
		pr.RawTarget = target

	default:
		pr.Mode = model.ModePath
		target := repairScheme(rest)
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		pr.RawTarget = target
	}

	if pr.RawTarget == "" {
		return pr, fmt.Errorf("%w: missing target", model.ErrInvalidTarget)
	}
	return pr, nil
}

// Resolve validates pr.RawTarget and returns the normalized upstream target.
func (rv *Resolver) Resolve(pr model.ProxyRequest) (model.ResolvedTarget, error) {
	raw := strings.TrimSpace(pr.RawTarget)
	if raw == "" {
		return model.ResolvedTarget{}, fmt.Errorf("%w: empty target", model.ErrInvalidTarget)
	}
	if len(raw) > rv.maxLen {
		return model.ResolvedTarget{}, fmt.Errorf("%w: target longer than %d characters", model.ErrInvalidTarget, rv.maxLen)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return model.ResolvedTarget{}, fmt.Errorf("%w: %w", model.ErrInvalidTarget, err)
	}
	if err := rv.CheckURL(u); err != nil {
		return model.ResolvedTarget{}, err
	}

	u.Fragment = ""
	u.RawFragment = ""
	if len(u.String()) > rv.maxLen {
		return model.ResolvedTarget{}, fmt.Errorf("%w: target longer than %d characters", model.ErrInvalidTarget, rv.maxLen)
	}

	return model.ResolvedTarget{URL: u, Scheme: u.Scheme}, nil
}

// CheckURL applies the scheme, host and SSRF rules to u. It is also used on
// every redirect hop.
func (rv *Resolver) CheckURL(u *url.URL) error {
	if !u.IsAbs() {
		return fmt.Errorf("%w: target must be an absolute URL", model.ErrInvalidTarget)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", model.ErrInvalidTarget, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: target has no host", model.ErrInvalidTarget)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in target URL", model.ErrInvalidTarget)
	}
	if err := rv.guard.CheckHost(u.Hostname()); err != nil {
		return fmt.Errorf("%w: %w", model.ErrInvalidTarget, err)
	}
	return nil
}

// CheckRedirect adapts CheckURL to the upstream client's redirect hook.
func (rv *Resolver) CheckRedirect(req *http.Request) error {
	return rv.CheckURL(req.URL)
}

// encodedLimit bounds the base64 segment before decoding.
func (rv *Resolver) encodedLimit() int {
	return (rv.maxLen+2)/3*4 + 3*4
}

// repairScheme restores "https://host" when an intermediary merged the slashes
// of a raw path target into "https:/host".
func repairScheme(target string) string {
	for _, scheme := range []string{"https:", "http:"} {
		if len(target) <= len(scheme) || !strings.EqualFold(target[:len(scheme)], scheme) {
			continue
		}
		rest := target[len(scheme):]
		if strings.HasPrefix(rest, "/") && !strings.HasPrefix(rest, "//") {
			return target[:len(scheme)] + "/" + rest
		}
	}
	return target
}
