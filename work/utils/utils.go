package utils

import (
	"net/url"

	"krelay/work/config"
)

// LogURL returns either the original URL or an obfuscated version for logging,
// depending on configuration.
func LogURL(cfg *config.Config, rawURL string) string {
	if cfg.ObfuscateUrls {
		return ObfuscateURL(rawURL)
	}
	return rawURL
}

// ObfuscateURL masks the path, query and fragment of a URL while keeping the
// scheme and host visible, so log output never leaks signed segment URLs or
// embedded credentials.
func ObfuscateURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		// If parsing fails, just obfuscate the whole thing
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}

	return result
}
