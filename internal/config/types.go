// Package config loads the forwarder's line-oriented configuration file
// (spec §6): `[section]` headers, `# ...` comments, blank lines ignored,
// three recognized sections (dns, hosts, security). Unknown sections and
// tokens are logged and skipped rather than rejected.
//
// The teacher's config package declared github.com/spf13/viper without
// it appearing in go.mod's require block, and Viper's YAML/JSON/TOML
// decoders cannot parse this wire format regardless — so this package
// keeps the teacher's Config struct-decomposition idiom (one struct per
// section, a single Load entry point, a validation pass in Validate) but replaces the
// decoder with a bespoke stdlib tokenizer grounded on the format the spec
// itself defines.
package config

import "strings"

// Protocol identifies the transport a configured nameserver is reached
// over.
type Protocol int

const (
	ProtoDNS Protocol = iota // plain UDP/TCP, port 53
	ProtoTLS                 // DNS-over-TLS, port 853
)

// Nameserver is one configured upstream resolver.
type Nameserver struct {
	Proto Protocol
	Host  string   // SNI hostname / reference name
	Addrs []string // one or more IP addresses
}

// DNSConfig holds the `[dns]` section.
type DNSConfig struct {
	SearchDomain string
	Nameservers  []Nameserver
}

// HostsConfig holds the `[hosts]` section: name -> configured IP addresses.
type HostsConfig struct {
	Entries map[string][]string
}

// SecurityConfig holds the `[security]` section's privilege-drop
// directives.
type SecurityConfig struct {
	Chroot string
	Setuid string
	Setgid string
}

// Config is the root configuration structure, one field per recognized
// section.
type Config struct {
	DNS      DNSConfig
	Hosts    HostsConfig
	Security SecurityConfig
}

func newConfig() *Config {
	return &Config{
		Hosts: HostsConfig{Entries: make(map[string][]string)},
	}
}

func parseProtocol(tok string) (Protocol, bool) {
	switch strings.ToLower(tok) {
	case "dns":
		return ProtoDNS, true
	case "tls":
		return ProtoTLS, true
	default:
		return 0, false
	}
}

// DefaultPort reports the port implied by the nameserver's protocol, per
// spec §6: "dns"→port 53, "tls"→port 853.
func (p Protocol) DefaultPort() string {
	if p == ProtoTLS {
		return "853"
	}
	return "53"
}
