package auth

import (
	"net/http"
	"strings"
)

// DefaultSessionCookie is the cookie consulted when no bearer header is present.
const DefaultSessionCookie = "tg_session"

const bearerPrefix = "bearer "

// Extractor pulls an unverified credential out of a request.
type Extractor struct {
	CookieName string
}

// NewExtractor returns an extractor reading cookieName, or DefaultSessionCookie when empty.
func NewExtractor(cookieName string) Extractor {
	cookieName = strings.TrimSpace(cookieName)
	if cookieName == "" {
		cookieName = DefaultSessionCookie
	}
	return Extractor{CookieName: cookieName}
}

// Extract checks the Authorization header first and the session cookie second.
// A header with another scheme is skipped, not rejected.
func (e Extractor) Extract(r *http.Request) (Credential, bool) {
	if r == nil {
		return Credential{}, false
	}
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return Credential{Token: token, Source: FromHeader}, true
	}
	name := e.CookieName
	if name == "" {
		name = DefaultSessionCookie
	}
	if c, err := r.Cookie(name); err == nil {
		if token := strings.TrimSpace(c.Value); token != "" {
			return Credential{Token: token, Source: FromCookie}, true
		}
	}
	return Credential{}, false
}

// ExtractMetadata reads the bearer token from gRPC-style metadata, whose keys
// are lower-cased.
func (e Extractor) ExtractMetadata(md map[string][]string) (Credential, bool) {
	for _, v := range md["authorization"] {
		if token, ok := bearerToken(v); ok {
			return Credential{Token: token, Source: FromMetadata}, true
		}
	}
	return Credential{}, false
}

func bearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", false
	}
	return token, true
}
