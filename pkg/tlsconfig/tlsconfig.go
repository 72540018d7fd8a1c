// Package tlsconfig provides helpers and constants for building crypto/tls
// configurations, used by the client's dialer.
package tlsconfig

import "crypto/tls"

// SSL/TLS protocol version constants, re-exported for callers who would
// otherwise need to import crypto/tls just to name a version.
const (
	VersionTLS10 uint16 = tls.VersionTLS10
	VersionTLS11 uint16 = tls.VersionTLS11
	VersionTLS12 uint16 = tls.VersionTLS12
	VersionTLS13 uint16 = tls.VersionTLS13
)

// VersionProfile bundles a min/max TLS version range under a name.
type VersionProfile struct {
	Min         uint16
	Max         uint16
	Description string
}

var (
	// ProfileModern restricts the handshake to TLS 1.3 only.
	ProfileModern = VersionProfile{
		Min:         VersionTLS13,
		Max:         VersionTLS13,
		Description: "TLS 1.3 only - maximum security, modern peers only",
	}

	// ProfileSecure allows TLS 1.2 and 1.3 — the recommended default.
	ProfileSecure = VersionProfile{
		Min:         VersionTLS12,
		Max:         VersionTLS13,
		Description: "TLS 1.2+ - secure and widely compatible",
	}

	// ProfileCompatible additionally allows TLS 1.0/1.1 for legacy peers.
	ProfileCompatible = VersionProfile{
		Min:         VersionTLS10,
		Max:         VersionTLS13,
		Description: "TLS 1.0+ - maximum compatibility, includes deprecated versions",
	}
)

// GetVersionName returns a human-readable name for a TLS version constant.
func GetVersionName(version uint16) string {
	switch version {
	case VersionTLS10:
		return "TLS 1.0"
	case VersionTLS11:
		return "TLS 1.1"
	case VersionTLS12:
		return "TLS 1.2"
	case VersionTLS13:
		return "TLS 1.3"
	default:
		return "Unknown"
	}
}

// IsVersionDeprecated reports whether version is weaker than TLS 1.2.
func IsVersionDeprecated(version uint16) bool {
	return version < VersionTLS12
}

// Recommended cipher suites (AEAD only).
var (
	CipherSuitesTLS13 = []uint16{
		tls.TLS_AES_128_GCM_SHA256,
		tls.TLS_AES_256_GCM_SHA384,
		tls.TLS_CHACHA20_POLY1305_SHA256,
	}

	CipherSuitesTLS12Secure = []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	}
)

// ApplyVersionProfile applies a pre-configured version profile to a tls.Config.
func ApplyVersionProfile(config *tls.Config, profile VersionProfile) {
	config.MinVersion = profile.Min
	config.MaxVersion = profile.Max
}

// ApplyCipherSuites selects a cipher suite list appropriate for minVersion.
// TLS 1.3 ignores CipherSuites entirely (it negotiates its own), so in that
// case this clears config.CipherSuites to nil.
func ApplyCipherSuites(config *tls.Config, minVersion uint16) {
	switch {
	case minVersion >= VersionTLS13:
		config.CipherSuites = nil
	default:
		config.CipherSuites = CipherSuitesTLS12Secure
	}
}

// ConfigureSNI applies Server Name Indication to tlsConfig following this
// priority: an already-set ServerName wins; disableSNI leaves it empty;
// otherwise customSNI if set, else fallbackHost.
func ConfigureSNI(tlsConfig *tls.Config, customSNI string, disableSNI bool, fallbackHost string) {
	if tlsConfig == nil || tlsConfig.ServerName != "" {
		return
	}
	if disableSNI {
		return
	}
	if customSNI != "" {
		tlsConfig.ServerName = customSNI
		return
	}
	tlsConfig.ServerName = fallbackHost
}

// VersionString converts a negotiated tls.ConnectionState.Version into the
// same human-readable strings as GetVersionName.
func VersionString(version uint16) string {
	return GetVersionName(version)
}
