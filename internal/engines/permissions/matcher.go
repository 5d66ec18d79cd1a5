package permissions

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/unklstewy/securelinks/internal/models"
)

// NormalizeIP parses ip and unmaps IPv4-in-IPv6 addresses.
func NormalizeIP(ip string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// NormalizeDomain lower-cases a host name and strips scheme, port, path,
// trailing dot and a leading "www.".
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if d == "" {
		return ""
	}
	if strings.Contains(d, "://") {
		if u, err := url.Parse(d); err == nil {
			d = u.Host
		}
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if host, _, err := net.SplitHostPort(d); err == nil {
		d = host
	}
	d = strings.TrimSuffix(d, ".")
	return strings.TrimPrefix(d, "www.")
}

// matchIP reports whether the rule value (address or CIDR prefix) matches addr.
func matchIP(value string, addr netip.Addr) bool {
	value = strings.TrimSpace(value)
	if strings.Contains(value, "/") {
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			return false
		}
		return prefix.Masked().Contains(addr)
	}
	ruleAddr, ok := NormalizeIP(value)
	return ok && ruleAddr == addr
}

// matchDomain reports whether the rule value matches host. A plain value
// matches itself and its subdomains; a "*." value matches subdomains only.
func matchDomain(value, host string) bool {
	if host == "" {
		return false
	}
	v := strings.ToLower(strings.TrimSpace(value))
	if base, ok := strings.CutPrefix(v, "*."); ok {
		base = NormalizeDomain(base)
		return base != "" && strings.HasSuffix(host, "."+base)
	}
	v = NormalizeDomain(v)
	return v != "" && (host == v || strings.HasSuffix(host, "."+v))
}

// subject is a normalized request subject.
type subject struct {
	addr   netip.Addr
	hasIP  bool
	domain string
}

func newSubject(ip, domain string) subject {
	addr, ok := NormalizeIP(ip)
	return subject{addr: addr, hasIP: ok, domain: NormalizeDomain(domain)}
}

func (s subject) matches(rule *models.PermissionRule) bool {
	switch rule.SubjectType {
	case models.SubjectIP:
		return s.hasIP && matchIP(rule.Value, s.addr)
	case models.SubjectDomain:
		return matchDomain(rule.Value, s.domain)
	}
	return false
}

// ValidateRule checks a rule before it is stored.
func ValidateRule(rule *models.PermissionRule) error {
	if !rule.SubjectType.Valid() {
		return fmt.Errorf("%w: unknown subject type %q", ErrInvalidRule, rule.SubjectType)
	}
	if !rule.RuleType.Valid() {
		return fmt.Errorf("%w: unknown rule type %q", ErrInvalidRule, rule.RuleType)
	}
	if len(rule.Actions) == 0 {
		return fmt.Errorf("%w: at least one action is required", ErrInvalidRule)
	}
	seen := make(map[models.ActionKind]bool, len(rule.Actions))
	for _, a := range rule.Actions {
		if !a.Valid() {
			return fmt.Errorf("%w: unknown action %q", ErrInvalidRule, a)
		}
		if seen[a] {
			return fmt.Errorf("%w: duplicate action %q", ErrInvalidRule, a)
		}
		seen[a] = true
	}

	value := strings.TrimSpace(rule.Value)
	if value == "" {
		return fmt.Errorf("%w: value is required", ErrInvalidRule)
	}

	switch rule.SubjectType {
	case models.SubjectIP:
		if strings.Contains(value, "/") {
			if _, err := netip.ParsePrefix(value); err != nil {
				return fmt.Errorf("%w: invalid CIDR %q", ErrInvalidRule, value)
			}
		} else if _, ok := NormalizeIP(value); !ok {
			return fmt.Errorf("%w: invalid IP address %q", ErrInvalidRule, value)
		}
	case models.SubjectDomain:
		host := strings.TrimPrefix(strings.ToLower(value), "*.")
		if !validHostname(host) {
			return fmt.Errorf("%w: invalid domain %q", ErrInvalidRule, value)
		}
	}
	return nil
}

func validHostname(host string) bool {
	host = strings.TrimSuffix(host, ".")
	if host == "" || len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	return true
}
