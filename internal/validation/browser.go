package validation

import (
	"fmt"
	"net/url"
	"os/exec"
	"runtime"
)

// ValidateURL checks a URL before it is handed to the system browser. It
// must be an absolute http or https URL with a host and no credentials, and
// may only use characters that no platform opener or shell treats
// specially.
func ValidateURL(rawURL string) error {
	for i := 0; i < len(rawURL); i++ {
		if !urlByte(rawURL[i]) {
			return fmt.Errorf("URL contains disallowed character %q", rawURL[i])
		}
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch {
	case parsed.Scheme != "http" && parsed.Scheme != "https":
		return fmt.Errorf("invalid URL scheme %q (only http/https allowed)", parsed.Scheme)
	case parsed.Host == "":
		return fmt.Errorf("URL must have a host")
	case parsed.User != nil:
		return fmt.Errorf("URL must not carry credentials")
	}
	return nil
}

// urlByte admits unreserved characters plus the delimiters a preview URL
// needs (scheme, host, port, path, query key and value, percent escapes).
func urlByte(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '.', '_', '~', ':', '/', '?', '=', '%', '[', ']', '@', '#', '+', ',':
		return true
	}
	return false
}

// BrowserCommand returns the command that opens rawURL in the default
// browser on the given operating system.
func BrowserCommand(goos, rawURL string) (*exec.Cmd, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}

	switch goos {
	case "linux", "freebsd", "openbsd", "netbsd":
		return exec.Command("xdg-open", rawURL), nil
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", rawURL), nil
	case "darwin":
		return exec.Command("open", rawURL), nil
	default:
		return nil, fmt.Errorf("unsupported platform: %s", goos)
	}
}

// OpenBrowser opens rawURL in the default browser without waiting for it.
func OpenBrowser(rawURL string) error {
	cmd, err := BrowserCommand(runtime.GOOS, rawURL)
	if err != nil {
		return err
	}
	return cmd.Start()
}
