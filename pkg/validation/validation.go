package validation

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// DevicePrefixes lists the capture source kinds besides the default device.
var DevicePrefixes = []string{"ogg:"}

// ValidateURL checks a relay address given as ws(s):// or http(s)://.
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateOrigin checks an allow-list entry. "*" admits every origin.
func ValidateOrigin(origin string) error {
	if origin == "*" {
		return nil
	}
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid origin %q (scheme must be http or https)", origin)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid origin %q (missing host)", origin)
	}
	if strings.Trim(u.Path, "/") != "" || u.RawQuery != "" {
		return fmt.Errorf("invalid origin %q (must not carry a path or query)", origin)
	}
	return nil
}

// ValidateProxy accepts a bare IP or a CIDR block.
func ValidateProxy(proxy string) error {
	if strings.Contains(proxy, "/") {
		if _, _, err := net.ParseCIDR(proxy); err != nil {
			return fmt.Errorf("invalid proxy range %q: %w", proxy, err)
		}
		return nil
	}
	if net.ParseIP(proxy) == nil {
		return fmt.Errorf("invalid proxy address %q", proxy)
	}
	return nil
}

// ValidateDevice accepts "default" or a prefixed source such as "ogg:/path".
func ValidateDevice(device string) error {
	if device == "default" {
		return nil
	}
	for _, p := range DevicePrefixes {
		if rest, ok := strings.CutPrefix(device, p); ok {
			return ValidateNonEmptyString(rest, "device path")
		}
	}
	return fmt.Errorf("unknown device %q", device)
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
