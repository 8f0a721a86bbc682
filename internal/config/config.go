package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
)

// ResolveConfigPath determines the config file path from flag or
// environment, preferring the flag.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("HYDRADNS_CONFIG")); v != "" {
		return v
	}
	return ""
}

// Load reads and parses the config file at path. An empty path returns an
// empty, zero-value Config (all sections absent) rather than an error, so
// the forwarder can run against command-line-only configuration.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return newConfig(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse tokenizes r per spec §6's grammar: `[section]` headers, `#`
// comments, blank lines ignored. Recognized sections are dns, hosts, and
// security; unknown sections and unrecognized tokens within a known
// section are logged and skipped, never fatal.
func Parse(r io.Reader) (*Config, error) {
	cfg := newConfig()
	section := ""

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			if !knownSection(section) {
				slog.Warn("config: unknown section", "section", section, "line", lineNo)
			}
			continue
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch section {
		case "dns":
			applyDNS(cfg, fields, lineNo)
		case "hosts":
			applyHosts(cfg, fields, lineNo)
		case "security":
			applySecurity(cfg, fields, lineNo)
		default:
			slog.Warn("config: token outside any recognized section", "line", lineNo, "text", line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func knownSection(name string) bool {
	switch name {
	case "dns", "hosts", "security":
		return true
	default:
		return false
	}
}

// applyDNS handles the `[dns]` section: `search DOMAIN` and
// `nameserver (dns|tls) [HOST] IP...`. HOST is optional: when the token after
// the protocol parses as an IP address, the line has no host name.
func applyDNS(cfg *Config, fields []string, lineNo int) {
	switch strings.ToLower(fields[0]) {
	case "search":
		if len(fields) != 2 {
			slog.Warn("config: dns.search expects exactly one argument", "line", lineNo)
			return
		}
		cfg.DNS.SearchDomain = fields[1]
	case "nameserver":
		if len(fields) < 3 {
			slog.Warn("config: dns.nameserver expects protocol, optional host, and at least one address", "line", lineNo)
			return
		}
		proto, ok := parseProtocol(fields[1])
		if !ok {
			slog.Warn("config: dns.nameserver unrecognized protocol", "protocol", fields[1], "line", lineNo)
			return
		}
		host, addrs := fields[2], fields[3:]
		if net.ParseIP(fields[2]) != nil {
			host, addrs = "", fields[2:]
		}
		cfg.DNS.Nameservers = append(cfg.DNS.Nameservers, Nameserver{
			Proto: proto,
			Host:  host,
			Addrs: append([]string(nil), addrs...),
		})
	default:
		slog.Warn("config: dns: unrecognized token", "token", fields[0], "line", lineNo)
	}
}

// applyHosts handles the `[hosts]` section: `NAME ip ADDR [ip ADDR ...]`.
func applyHosts(cfg *Config, fields []string, lineNo int) {
	if len(fields) < 3 || len(fields)%2 != 1 {
		slog.Warn("config: hosts entry malformed, expected NAME ip ADDR [ip ADDR ...]", "line", lineNo)
		return
	}
	name := fields[0]
	var addrs []string
	for i := 1; i+1 < len(fields); i += 2 {
		if strings.ToLower(fields[i]) != "ip" {
			slog.Warn("config: hosts: unrecognized token, expected \"ip\"", "token", fields[i], "line", lineNo)
			continue
		}
		addrs = append(addrs, fields[i+1])
	}
	if len(addrs) > 0 {
		cfg.Hosts.Entries[name] = append(cfg.Hosts.Entries[name], addrs...)
	}
}

// applySecurity handles the `[security]` section: `chroot PATH`,
// `setuid NAME`, `setgid NAME`. Unlike the original C++ config handler
// (which swapped these two destinations), each directive writes to its
// own field.
func applySecurity(cfg *Config, fields []string, lineNo int) {
	if len(fields) != 2 {
		slog.Warn("config: security directive expects exactly one argument", "line", lineNo)
		return
	}
	switch strings.ToLower(fields[0]) {
	case "chroot":
		cfg.Security.Chroot = fields[1]
	case "setuid":
		cfg.Security.Setuid = fields[1]
	case "setgid":
		cfg.Security.Setgid = fields[1]
	default:
		slog.Warn("config: security: unrecognized command", "command", fields[0], "line", lineNo)
	}
}

// Validate reports an error for configuration states the forwarder cannot
// run with; unknown sections/tokens were already handled by logging them
// during Parse, so this only rejects structurally incomplete directives.
func Validate(cfg *Config) error {
	for _, ns := range cfg.DNS.Nameservers {
		if len(ns.Addrs) == 0 {
			return errors.New("config: nameserver " + ns.Host + " has no addresses")
		}
	}
	return nil
}
