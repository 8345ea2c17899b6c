package source

import (
	"net"
	"net/url"
	"slices"
	"strings"
)

// Credentials is a bearer token plus the origins allowed to receive it.
// Endpoints come from producers, so the token is never sent anywhere else.
type Credentials struct {
	Token   string
	Origins []string
}

// TokenFor returns the token when uri's origin is one of c.Origins. ws and
// wss count as http and https.
func (c Credentials) TokenFor(uri string) string {
	if c.Token == "" {
		return ""
	}
	want, ok := origin(uri)
	if !ok {
		return ""
	}
	trusted := slices.ContainsFunc(c.Origins, func(o string) bool {
		got, ok := origin(o)
		return ok && got == want
	})
	if !trusted {
		return ""
	}
	return c.Token
}

// origin normalizes uri to scheme://host:port.
func origin(uri string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}
	port := u.Port()
	switch {
	case port != "":
	case scheme == "http":
		port = "80"
	case scheme == "https":
		port = "443"
	default:
		return "", false
	}
	return scheme + "://" + net.JoinHostPort(strings.ToLower(u.Hostname()), port), true
}
