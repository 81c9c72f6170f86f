package utils

import (
	"net/url"
	"strings"
)

// DirectProxyRef is used when no proxy pool is configured.
const DirectProxyRef = "direct"

var defaultFingerprintRefs = []string{
	"desktop-chrome-windows",
	"desktop-chrome-macos",
	"desktop-firefox-windows",
	"desktop-safari-macos",
	"desktop-edge-windows",
	"mobile-safari-ios",
	"mobile-chrome-android",
	"tablet-safari-ipados",
}

// DefaultFingerprintRefs returns the built-in device profiles the worker is
// expected to understand.
func DefaultFingerprintRefs() []string {
	return append([]string(nil), defaultFingerprintRefs...)
}

// IsMobileFingerprint reports whether a fingerprint ref names a handheld device.
func IsMobileFingerprint(ref string) bool {
	s := strings.ToLower(ref)
	if strings.Contains(s, "mobile") {
		return true
	}
	if strings.Contains(s, "iphone") || strings.Contains(s, "android") || strings.Contains(s, "ipad") || strings.Contains(s, "tablet") {
		return true
	}
	return false
}

// NormalizeFingerprintRefs trims, drops empties and duplicates, keeping order.
func NormalizeFingerprintRefs(in []string) []string {
	return dedupe(in, func(s string) string { return strings.TrimSpace(s) })
}

// NormalizeProxyRefs accepts host:port, scheme://host:port and user:pass@host:port
// entries and returns them as URLs; entries that cannot be parsed are dropped.
func NormalizeProxyRefs(in []string) []string {
	return dedupe(in, NormalizeProxyRef)
}

func NormalizeProxyRef(ref string) string {
	v := strings.TrimSpace(ref)
	if v == "" {
		return ""
	}
	if strings.EqualFold(v, DirectProxyRef) {
		return DirectProxyRef
	}
	if !strings.Contains(v, "://") {
		v = "http://" + v
	}
	u, err := url.Parse(v)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.String()
}

func dedupe(in []string, norm func(string) string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		v := norm(raw)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
