// Package locator maps displayed occurrences back to the remote resource
// they came from, undoing the URL rewriting done by a forwarding proxy.
package locator

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/mo"

	"webcal/internal/model"
)

var ErrInvalidLocator = errors.New("locator: invalid locator")

// Proxy rewrites remote URLs so requests go through a forwarding proxy
// that takes the target URL as its path: <base>/<url>.
type Proxy struct {
	Base string
}

// NewProxy returns a Proxy for base. An empty base disables rewriting.
func NewProxy(base string) Proxy {
	return Proxy{Base: strings.TrimRight(strings.TrimSpace(base), "/")}
}

// Enabled reports whether a proxy base is configured.
func (p Proxy) Enabled() bool { return p.Base != "" }

// Wrap returns u addressed through the proxy.
func (p Proxy) Wrap(u string) string {
	if u == "" || !p.Enabled() {
		return u
	}
	return p.Base + "/" + u
}

// For wraps u only when the source asks to be proxied.
func (p Proxy) For(src model.CalendarSource, u string) string {
	if !src.UseProxy {
		return u
	}
	return p.Wrap(u)
}

// Unmangle reconstructs the real address of a resource fetched through
// the proxy. It keeps the scheme, user info and host of original and
// splices in the path, query and fragment of fetched.
//
// When the fetched path embeds an absolute URL, as in
// /proxy/https://host/cal/event1.ics (or the collapsed form
// /proxy/https:/host/cal/event1.ics), the embedded URL's path is used.
func Unmangle(original, fetched string) (string, error) {
	og, err := url.Parse(strings.TrimSpace(original))
	if err != nil || og.Scheme == "" || og.Host == "" {
		return "", fmt.Errorf("%w: original %q", ErrInvalidLocator, original)
	}
	fu, err := url.Parse(strings.TrimSpace(fetched))
	if err != nil {
		return "", fmt.Errorf("%w: fetched %q: %v", ErrInvalidLocator, fetched, err)
	}

	p := fu.Path
	if embedded, ok := embeddedURL(p); ok {
		eu, err := url.Parse(embedded)
		if err != nil {
			return "", fmt.Errorf("%w: embedded %q: %v", ErrInvalidLocator, embedded, err)
		}
		p = eu.Path
	}

	out := *og
	out.Path = p
	out.RawPath = ""
	out.RawQuery = fu.RawQuery
	out.Fragment = fu.Fragment
	out.RawFragment = ""
	return out.String(), nil
}

// embeddedURL finds an absolute http(s) URL inside a path and restores the
// double slash that path cleaning may have collapsed.
func embeddedURL(p string) (string, bool) {
	for _, scheme := range []string{"https:/", "http:/"} {
		idx := strings.Index(p, "/"+scheme)
		if idx < 0 {
			continue
		}
		rest := p[idx+1+len(scheme):]
		rest = strings.TrimLeft(rest, "/")
		return scheme + "/" + rest, true
	}
	return "", false
}

// Target is everything needed to write to one remote resource.
type Target struct {
	// Locator is the real remote address of the resource.
	Locator string
	// WriteLocator is the address requests are sent to: Locator, or its
	// proxied form when the source uses the proxy.
	WriteLocator string
	Auth         http.Header
}

// Resolver turns occurrences and sources into write targets.
type Resolver struct {
	Proxy Proxy
}

// NewResolver creates a Resolver using proxy for sources flagged useProxy.
func NewResolver(proxy Proxy) *Resolver {
	return &Resolver{Proxy: proxy}
}

// Resolve returns the target for update or delete of occ, which must
// belong to src. Occurrences carry the unmangled locator, so only the
// proxy wrapping is reapplied here.
func (r *Resolver) Resolve(src model.CalendarSource, occ model.Occurrence) (Target, error) {
	if occ.SourceUID != src.UID {
		return Target{}, fmt.Errorf("%w: occurrence of source %q resolved against %q", ErrInvalidLocator, occ.SourceUID, src.UID)
	}
	if occ.SourceLocator == "" {
		return Target{}, fmt.Errorf("%w: occurrence %q has no source locator", ErrInvalidLocator, occ.EventUID)
	}
	return Target{
		Locator:      occ.SourceLocator,
		WriteLocator: r.Proxy.For(src, occ.SourceLocator),
		Auth:         BasicAuthHeaders(src.Credentials()),
	}, nil
}

// Collection returns the target for the source's collection itself, used
// for calendar queries and for creating new resources.
func (r *Resolver) Collection(src model.CalendarSource) (Target, error) {
	if strings.TrimSpace(src.URL) == "" {
		return Target{}, fmt.Errorf("%w: source %q has no URL", ErrInvalidLocator, src.UID)
	}
	return Target{
		Locator:      src.URL,
		WriteLocator: r.Proxy.For(src, src.URL),
		Auth:         BasicAuthHeaders(src.Credentials()),
	}, nil
}

// Restore maps a locator returned by a fetch back to the real remote
// address. Unproxied sources return fetched unchanged.
func (r *Resolver) Restore(src model.CalendarSource, fetched string) (string, error) {
	if !src.UseProxy || !r.Proxy.Enabled() {
		return fetched, nil
	}
	return Unmangle(src.URL, fetched)
}

// BasicAuthHeaders builds the Authorization header for creds. None yields
// an empty header map.
func BasicAuthHeaders(creds mo.Option[model.Credentials]) http.Header {
	h := http.Header{}
	c, ok := creds.Get()
	if !ok {
		return h
	}
	req := &http.Request{Header: h}
	req.SetBasicAuth(c.Username, c.Password)
	return h
}
