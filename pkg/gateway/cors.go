package gateway

import (
	"net/http"
	"strings"
)

var allowedMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"}

// allowedPreflightHeaders lists the request headers a preflight may ask for.
var allowedPreflightHeaders = []string{
	"accept",
	"accept-language",
	"authorization",
	"cache-control",
	"connection",
	"content-type",
	"dnt",
	"host",
	"if-modified-since",
	"keep-alive",
	"origin",
	"user-agent",
	"x-api-key",
	"x-csrf-token",
	"x-forwarded-for",
	"x-forwarded-host",
	"x-forwarded-proto",
	"x-requested-with",
	"x-stainless-arch",
	"x-stainless-lang",
	"x-stainless-os",
	"x-stainless-package-version",
	"x-stainless-retry-count",
	"x-stainless-runtime",
	"x-stainless-runtime-version",
	"x-stainless-timeout",
}

const (
	corsAllowMethods = "GET, POST, PUT, DELETE, OPTIONS, PATCH"
	corsAllowHeaders = "Authorization, Content-Type, Host, Accept, Accept-Language, Cache-Control, Connection, DNT, " +
		"If-Modified-Since, Keep-Alive, Origin, User-Agent, X-Requested-With, X-CSRF-Token, X-Forwarded-For, " +
		"X-Forwarded-Proto, X-Forwarded-Host, authorization, content-type, x-api-key"
	preflightMaxAge = "86400"
	preflightVary   = "Origin, Access-Control-Request-Method, Access-Control-Request-Headers"
)

// publicPaths skip host and token checks.
var publicPaths = map[string]bool{
	"/":             true,
	"/openapi.json": true,
	"/favicon.ico":  true,
}

func isAllowedMethod(method string) bool {
	if method == "" {
		return true
	}
	for _, m := range allowedMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// requestedHeadersAllowed checks a comma separated
// Access-Control-Request-Headers value.
// Only an absent value passes; an empty entry in a list is rejected.
func requestedHeadersAllowed(requested string) bool {
	if requested == "" {
		return true
	}
	for _, h := range strings.Split(requested, ",") {
		h = strings.ToLower(strings.TrimSpace(h))
		found := false
		for _, allowed := range allowedPreflightHeaders {
			if h == allowed {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	requestedMethod := r.Header.Get("Access-Control-Request-Method")
	origin := r.Header.Get("Origin")

	h.logger.Debugf("Handling CORS preflight, host: %s, requested method: %s", r.Host, requestedMethod)

	if !isAllowedMethod(requestedMethod) {
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// The raw path decides here, before any prefix is stripped
	if !publicPaths[r.URL.Path] {
		if r.Host == "" || !h.hosts.IsTrusted(r.Host) {
			h.logger.Warnf("CORS preflight rejected, untrusted host: %q", r.Host)
			writeText(w, http.StatusForbidden, "Host not allowed")
			return
		}
	}

	if !requestedHeadersAllowed(r.Header.Get("Access-Control-Request-Headers")) {
		h.logger.Warnf("CORS preflight rejected, headers: %q", r.Header.Get("Access-Control-Request-Headers"))
		writeText(w, http.StatusForbidden, "Headers not allowed")
		return
	}

	header := w.Header()
	header.Set("Access-Control-Allow-Methods", strings.Join(allowedMethods, ", "))
	header.Set("Access-Control-Allow-Headers", strings.Join(allowedPreflightHeaders, ", "))
	header.Set("Access-Control-Max-Age", preflightMaxAge)
	header.Set("Vary", preflightVary)
	if origin != "" {
		header.Set("Access-Control-Allow-Origin", origin)
		header.Set("Access-Control-Allow-Credentials", "true")
	} else {
		header.Set("Access-Control-Allow-Origin", "*")
	}
	w.WriteHeader(http.StatusOK)
}

// addCORSHeaders decorates every non-preflight response.
//
// NOTE: Origin is reflected with credentials even when it is not a trusted
// host. Only the Host header is checked against the trusted list.
func addCORSHeaders(header http.Header, origin string) {
	if origin != "" {
		header.Set("Access-Control-Allow-Origin", origin)
		header.Set("Access-Control-Allow-Credentials", "true")
	} else {
		header.Set("Access-Control-Allow-Origin", "*")
	}
	header.Set("Access-Control-Allow-Methods", corsAllowMethods)
	header.Set("Access-Control-Allow-Headers", corsAllowHeaders)
	header.Set("Vary", "Origin")
}

func isCORSHeader(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), "access-control-")
}

func writeText(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(msg))
}
