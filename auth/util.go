package auth

import (
	"net/url"
	"strings"
)

// Supported UI locales. The first is the default.
var supportedLocales = []string{"en", "fr"}

// ValidateReturnURLIsLocal returns returnURL if it is a local path, otherwise
// fallback. Absolute and protocol-relative URLs are rejected to prevent open
// redirects.
func ValidateReturnURLIsLocal(returnURL, fallback string) string {
	if returnURL == "" || !strings.HasPrefix(returnURL, "/") || strings.HasPrefix(returnURL, "//") || strings.HasPrefix(returnURL, "/\\") {
		return fallback
	}
	u, err := url.Parse(returnURL)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return fallback
	}
	return returnURL
}

// normalizeLocale returns lang when supported, or the default locale.
func normalizeLocale(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	for _, l := range supportedLocales {
		if lang == l {
			return l
		}
	}
	return supportedLocales[0]
}

// localeFromPath returns the locale prefix of a path like /fr/home, or "".
func localeFromPath(p string) string {
	first, _, _ := strings.Cut(strings.TrimPrefix(p, "/"), "/")
	first, _, _ = strings.Cut(first, "?")
	for _, l := range supportedLocales {
		if first == l {
			return l
		}
	}
	return ""
}
