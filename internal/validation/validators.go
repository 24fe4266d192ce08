// Package validation provides strict input validators for the values Mimosa
// accepts from plugins, operators and firewall configuration.
package validation

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

var (
	// Valid identifier: alphanumeric, dash, underscore
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// RFC 1035-ish hostname label check, permissive enough for wildcard-free FQDNs
	fqdnRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

	// Dangerous characters that should never appear in identifiers
	dangerousChars = []string{";", "|", "&", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r"}
)

// ValidateIdentifier validates a general identifier (alias names, plugin names, etc.)
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}

	if len(id) > 255 {
		return fmt.Errorf("identifier too long (max 255 characters)")
	}

	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("invalid identifier: %s (must be alphanumeric with -_)", id)
	}

	for _, char := range dangerousChars {
		if strings.Contains(id, char) {
			return fmt.Errorf("identifier contains dangerous character: %s", char)
		}
	}

	return nil
}

// ValidateIP validates a bare IPv4 or IPv6 address.
func ValidateIP(s string) error {
	if s == "" {
		return fmt.Errorf("IP cannot be empty")
	}
	if net.ParseIP(s) == nil {
		return fmt.Errorf("invalid IP address: %s", s)
	}
	return nil
}

// ValidateIPOrCIDR validates an IP address or CIDR range.
func ValidateIPOrCIDR(s string) error {
	if s == "" {
		return fmt.Errorf("IP/CIDR cannot be empty")
	}

	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		if err != nil {
			return fmt.Errorf("invalid CIDR: %w", err)
		}
		return nil
	}

	return ValidateIP(s)
}

// ValidateFQDN validates a fully-qualified domain name.
func ValidateFQDN(s string) error {
	if s == "" {
		return fmt.Errorf("FQDN cannot be empty")
	}
	if len(s) > 253 {
		return fmt.Errorf("FQDN too long: %s", s)
	}
	if !fqdnRegex.MatchString(s) {
		return fmt.Errorf("invalid FQDN: %s", s)
	}
	return nil
}

// IsFQDN reports whether s looks like a resolvable hostname rather than an
// IP or CIDR. Whitelist entries and alias contents use this to pick between
// membership testing and resolution.
func IsFQDN(s string) bool {
	if net.ParseIP(s) != nil {
		return false
	}
	if strings.Contains(s, "/") {
		return false
	}
	return fqdnRegex.MatchString(s)
}

// ValidatePort validates a TCP/UDP port number.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port out of range: %d", port)
	}
	return nil
}

// NormalizeCIDR canonicalizes a whitelist entry: bare IPs stay bare
// (a /32 or /128 collapses to its address), networks are rewritten to their
// masked base. FQDNs pass through lowercased.
func NormalizeCIDR(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("entry cannot be empty")
	}

	if ip := net.ParseIP(s); ip != nil {
		return ip.String(), nil
	}

	if strings.Contains(s, "/") {
		ip, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return "", fmt.Errorf("invalid CIDR: %w", err)
		}
		ones, bits := ipnet.Mask.Size()
		if ones == bits {
			// /32 and /128 are treated as bare IPs
			return ip.String(), nil
		}
		return ipnet.String(), nil
	}

	if err := ValidateFQDN(s); err != nil {
		return "", err
	}
	return strings.ToLower(s), nil
}
