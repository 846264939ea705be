// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package framerpc

import (
	"net/url"
	"regexp"
	"strings"
)

// Origin reduces rawURL to scheme://host[:port]. Input is lowercased;
// scheme-relative ("//host/...") and scheme-less ("host/...") URLs take
// defaultScheme; the default ports of http and https are dropped. An
// empty input yields "".
func Origin(rawURL, defaultScheme string) string {
	if rawURL == "" {
		return ""
	}
	if defaultScheme == "" {
		defaultScheme = "http"
	}
	u := strings.ToLower(rawURL)
	if strings.HasPrefix(u, "//") {
		u = defaultScheme + ":" + u
	}
	if !strings.Contains(u, "://") {
		u = defaultScheme + "://" + u
	}
	sep := strings.Index(u, "://")
	scheme := u[:sep]
	host := u[sep+3:]
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	port := ""
	if i := strings.IndexByte(host, ':'); i >= 0 {
		p := host[i+1:]
		host = host[:i]
		if (scheme == "http" && p != "80") || (scheme == "https" && p != "443") {
			port = ":" + p
		}
	}
	return scheme + "://" + host + port
}

// scheme returns the scheme of an absolute URL, or "http".
func scheme(rawURL string) string {
	if i := strings.Index(rawURL, "://"); i > 0 {
		return strings.ToLower(rawURL[:i])
	}
	return "http"
}

var absoluteHTTP = regexp.MustCompile(`http(s)?://.+`)

// normalizeRelayURL completes a relay URL against the router's own
// location: "//h/p" gets the scheme, "/p" gets scheme and host, and a
// bare "h/p" gets the scheme.
func normalizeRelayURL(relay, self string) string {
	if absoluteHTTP.MatchString(relay) {
		return relay
	}
	proto := scheme(self)
	switch {
	case strings.HasPrefix(relay, "//"):
		return proto + ":" + relay
	case strings.HasPrefix(relay, "/"):
		return Origin(self, proto) + relay
	case !strings.Contains(relay, "://"):
		return proto + "://" + relay
	}
	return relay
}

// resolveParentRelay resolves a configured parent relay path against
// the parent's URL: relative paths are taken from the parent's
// directory, rooted paths from its origin. Absolute URLs pass through.
func resolveParentRelay(relay, parent string) string {
	if strings.HasPrefix(relay, "http://") || strings.HasPrefix(relay, "https://") ||
		strings.HasPrefix(relay, "//") || parent == "" {
		return relay
	}
	if !strings.HasPrefix(relay, "/") {
		return parent[:strings.LastIndexByte(parent, '/')+1] + relay
	}
	return Origin(parent, scheme(parent)) + relay
}

// URLParams returns the query and fragment parameters of rawURL, with
// fragment values taking precedence. Parse failures yield no params.
func URLParams(rawURL string) url.Values {
	params := url.Values{}
	rest := rawURL
	fragment := ""
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		fragment = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		if q, err := url.ParseQuery(rest[i+1:]); err == nil {
			for k, v := range q {
				params[k] = v
			}
		}
	}
	if fragment != "" {
		if q, err := url.ParseQuery(fragment); err == nil {
			for k, v := range q {
				params[k] = v
			}
		}
	}
	return params
}

// ExpandRelayURL fills the {host}, {target} and {token} placeholders of
// a relay URL template. Values are query-escaped.
func ExpandRelayURL(template, host string, target PeerID, token string) string {
	return strings.NewReplacer(
		"{host}", host,
		"{target}", url.QueryEscape(string(target)),
		"{token}", url.QueryEscape(token),
	).Replace(template)
}

// splitFragment returns the part of u after '#', or "" when absent.
func splitFragment(u string) (base, fragment string) {
	if i := strings.IndexByte(u, '#'); i >= 0 {
		return u[:i], u[i+1:]
	}
	return u, ""
}
