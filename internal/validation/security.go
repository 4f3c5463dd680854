// Package validation checks values that cross a trust boundary: arguments
// handed to external programs, URLs passed to the system browser and
// request origins.
package validation

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateArgument validates a value passed as a single argument to an
// external program. Values that could be read as a flag or that carry shell
// metacharacters or control characters are rejected.
func ValidateArgument(arg string) error {
	if arg == "" {
		return fmt.Errorf("argument cannot be empty")
	}
	if strings.HasPrefix(arg, "-") {
		return fmt.Errorf("argument must not start with '-'")
	}

	dangerous := []string{";", "&", "|", "$", "`", "<", ">", "\"", "'", "\\"}
	for _, char := range dangerous {
		if strings.Contains(arg, char) {
			return fmt.Errorf("contains dangerous character: %s", char)
		}
	}

	for _, r := range arg {
		if r < 32 || r == 127 {
			return fmt.Errorf("contains control character %q", r)
		}
	}

	return nil
}

// ValidateOrigin checks an Origin header against an allowlist. An entry of
// "*" admits any well-formed http or https origin; other entries match
// either the full origin or its host.
func ValidateOrigin(origin string, allowedOrigins []string) error {
	if origin == "" {
		return fmt.Errorf("origin header is required")
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin format: %w", err)
	}

	if originURL.Scheme != "http" && originURL.Scheme != "https" {
		return fmt.Errorf("invalid origin scheme '%s': only http and https are allowed", originURL.Scheme)
	}
	if originURL.Host == "" {
		return fmt.Errorf("origin must have a host")
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || origin == allowed || originURL.Host == allowed {
			return nil
		}
	}

	return fmt.Errorf("origin '%s' is not in allowed origins list", origin)
}
