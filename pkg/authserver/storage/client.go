// SPDX-FileCopyrightText: Copyright 2025 Tasklane, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"net"
	"net/url"
	"strings"

	"github.com/ory/fosite"
)

// Client is the OAuth client record: a fosite client plus Tasklane trust
// metadata and RFC 8252 Section 7.3 loopback redirect matching for native
// clients.
//
// Per RFC 8252, a native client registers a loopback redirect such as
// http://127.0.0.1/callback and the server must accept any port on it,
// since the client binds an ephemeral port at runtime. Scheme, host, path,
// and query still match exactly; localhost and 127.0.0.1 are distinct.
type Client struct {
	*fosite.DefaultClient

	// Trusted clients skip the consent screen. Only static first-party
	// clients may set this.
	Trusted bool

	// Name is the human-readable client name from registration.
	Name string
}

// MatchRedirectURI reports whether the requested URI matches a registered
// redirect URI, applying loopback port flexibility.
func (c *Client) MatchRedirectURI(requested string) bool {
	return c.MatchingRedirectURI(requested) != ""
}

// MatchingRedirectURI returns the registered URI the request matches, or
// empty. For a loopback match the requested URI is returned so the
// client's ephemeral port survives into the redirect.
func (c *Client) MatchingRedirectURI(requested string) string {
	for _, registered := range c.GetRedirectURIs() {
		if requested == registered {
			return registered
		}
		if matchesAsLoopback(requested, registered) {
			return requested
		}
	}
	return ""
}

func matchesAsLoopback(requestedURI, registeredURI string) bool {
	requested, err := url.Parse(requestedURI)
	if err != nil {
		return false
	}
	registered, err := url.Parse(registeredURI)
	if err != nil {
		return false
	}

	// Loopback redirects use plain http; any port is acceptable, the
	// rest of the URI matches exactly.
	if requested.Scheme != "http" || registered.Scheme != "http" {
		return false
	}
	if !IsLoopbackHost(requested.Hostname()) || !IsLoopbackHost(registered.Hostname()) {
		return false
	}
	if !strings.EqualFold(requested.Hostname(), registered.Hostname()) {
		return false
	}
	return requested.Path == registered.Path && requested.RawQuery == registered.RawQuery
}

// IsLoopbackHost reports whether hostname is a loopback address per
// RFC 8252 Section 7.3: 127.0.0.1, ::1, or localhost.
func IsLoopbackHost(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}

// IsTrusted reports whether a resolved fosite client may skip consent.
func IsTrusted(client fosite.Client) bool {
	c, ok := client.(*Client)
	return ok && c.Trusted
}

var _ fosite.Client = (*Client)(nil)
