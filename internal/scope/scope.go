// internal/scope/scope.go
package scope

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/cua-cli/internal/cuaerr"
)

// Matcher is the navigation allow-list for a run. An empty Matcher allows
// every http(s) target.
type Matcher struct {
	patterns []string
	rules    []rule
}

type rule interface {
	match(u *url.URL) bool
}

// New compiles scope patterns. Three forms are accepted:
//
//	https://example.com/app     URL prefix, matched on path boundaries
//	https://*.example.com/**    glob over host and path, '/' separates path segments
//	example.com, *.example.com  bare host, optionally including subdomains
func New(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		r, err := compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid scope %q: %w", p, err)
		}
		m.patterns = append(m.patterns, p)
		m.rules = append(m.rules, r)
	}
	return m, nil
}

// Patterns returns the compiled patterns in order.
func (m *Matcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

// Empty reports whether no pattern restricts navigation.
func (m *Matcher) Empty() bool { return m == nil || len(m.rules) == 0 }

// Allows reports whether target may be navigated to.
func (m *Matcher) Allows(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	if u.Scheme == "about" && u.Opaque == "blank" {
		return true
	}
	if m.Empty() {
		return u.Scheme == "http" || u.Scheme == "https"
	}
	for _, r := range m.rules {
		if r.match(u) {
			return true
		}
	}
	return false
}

// Check returns a scope violation error when target is not allowed.
func (m *Matcher) Check(target string) error {
	if m.Allows(target) {
		return nil
	}
	return cuaerr.New(cuaerr.KindScopeViolation, "scope.check", "%s is outside the allowed scopes", target)
}

func compile(p string) (rule, error) {
	if strings.Contains(p, "://") && strings.ContainsAny(p, "*?[{") {
		return newGlobRule(p)
	}
	if strings.Contains(p, "://") {
		u, err := url.Parse(p)
		if err != nil {
			return nil, err
		}
		if u.Host == "" {
			return nil, fmt.Errorf("prefix has no host")
		}
		return prefixRule{
			scheme: strings.ToLower(u.Scheme),
			host:   strings.ToLower(u.Host),
			path:   strings.TrimSuffix(u.EscapedPath(), "/"),
		}, nil
	}
	return newHostRule(p)
}

// prefixRule matches scheme and host exactly and the path on segment
// boundaries. Query and fragment never take part.
type prefixRule struct {
	scheme, host, path string
}

func (r prefixRule) match(u *url.URL) bool {
	if strings.ToLower(u.Scheme) != r.scheme || strings.ToLower(u.Host) != r.host {
		return false
	}
	path := u.EscapedPath()
	if !strings.HasPrefix(path, r.path) {
		return false
	}
	rest := path[len(r.path):]
	return rest == "" || rest[0] == '/'
}

// globRule holds one glob per URL part so a wildcard can never reach
// across the authority into a query or fragment.
type globRule struct {
	scheme string
	host   glob.Glob
	path   glob.Glob
}

func newGlobRule(p string) (globRule, error) {
	scheme, rest, _ := strings.Cut(p, "://")
	if scheme == "" || strings.ContainsAny(scheme, "*?[{") {
		return globRule{}, fmt.Errorf("glob scheme must be literal")
	}
	hostPart, pathPart := rest, "/"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hostPart, pathPart = rest[:i], rest[i:]
	}
	if hostPart == "" {
		return globRule{}, fmt.Errorf("glob has no host")
	}
	host, err := glob.Compile(strings.ToLower(hostPart))
	if err != nil {
		return globRule{}, err
	}
	path, err := glob.Compile(pathPart, '/')
	if err != nil {
		return globRule{}, err
	}
	return globRule{scheme: strings.ToLower(scheme), host: host, path: path}, nil
}

func (r globRule) match(u *url.URL) bool {
	if strings.ToLower(u.Scheme) != r.scheme || u.Host == "" {
		return false
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return r.host.Match(strings.ToLower(u.Host)) && r.path.Match(path)
}

type hostRule struct {
	domain     string
	subdomains bool
}

func newHostRule(p string) (hostRule, error) {
	r := hostRule{domain: strings.ToLower(p)}
	if strings.HasPrefix(r.domain, "*.") {
		r.subdomains = true
		r.domain = r.domain[2:]
	}
	if strings.ContainsAny(r.domain, "/*?:") {
		return r, fmt.Errorf("host pattern may only use a leading *.")
	}
	// A wildcard over a public suffix would cover unrelated sites.
	if r.subdomains {
		if _, err := publicsuffix.EffectiveTLDPlusOne(r.domain); err != nil {
			return r, fmt.Errorf("%s is a public suffix: %w", r.domain, err)
		}
	}
	return r, nil
}

func (r hostRule) match(u *url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == r.domain {
		return true
	}
	return r.subdomains && strings.HasSuffix(host, "."+r.domain)
}
