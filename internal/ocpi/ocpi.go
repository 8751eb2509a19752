// Package ocpi holds the protocol vocabulary shared by the hub components:
// module identifiers, interface roles, endpoint descriptors, the response
// envelope and its status codes.
package ocpi

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Version is the only OCPI version served by the hub.
const Version = "2.3.0"

// Module identifies an OCPI module.
type Module string

const (
	ModuleCredentials Module = "credentials"
	ModuleLocations   Module = "locations"
	ModuleSessions    Module = "sessions"
	ModuleTokens      Module = "tokens"
)

// Routable lists the modules the router dispatches between parties.
var Routable = []Module{ModuleLocations, ModuleSessions, ModuleTokens}

// ParseModule accepts a module identifier in any case.
func ParseModule(raw string) (Module, error) {
	switch m := Module(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModuleCredentials, ModuleLocations, ModuleSessions, ModuleTokens:
		return m, nil
	default:
		return "", fmt.Errorf("unknown module %q", raw)
	}
}

// IsRoutable reports whether the module carries party-to-party traffic.
func (m Module) IsRoutable() bool {
	switch m {
	case ModuleLocations, ModuleSessions, ModuleTokens:
		return true
	default:
		return false
	}
}

// InterfaceRole tells which side of a module an endpoint implements.
type InterfaceRole string

const (
	Sender   InterfaceRole = "SENDER"
	Receiver InterfaceRole = "RECEIVER"
)

// ParseInterfaceRole validates an interface role.
func ParseInterfaceRole(raw string) (InterfaceRole, error) {
	switch r := InterfaceRole(strings.ToUpper(strings.TrimSpace(raw))); r {
	case Sender, Receiver:
		return r, nil
	default:
		return "", fmt.Errorf("unknown interface role %q", raw)
	}
}

// Endpoint is one entry of a party's endpoint list.
type Endpoint struct {
	Module Module        `json:"identifier"`
	Role   InterfaceRole `json:"role"`
	URL    string        `json:"url"`
}

// Validate checks that every field of the endpoint is usable for routing.
func (e Endpoint) Validate() error {
	_, err := e.Canonical()
	return err
}

// Canonical returns the endpoint with identifier and role in the form
// FindEndpoint matches on.
func (e Endpoint) Canonical() (Endpoint, error) {
	m, err := ParseModule(string(e.Module))
	if err != nil {
		return Endpoint{}, err
	}
	r, err := ParseInterfaceRole(string(e.Role))
	if err != nil {
		return Endpoint{}, err
	}
	if err := ValidateURL(e.URL); err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Module: m, Role: r, URL: strings.TrimSpace(e.URL)}, nil
}

// ValidateURL requires an absolute http(s) URL.
func ValidateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url %q must be absolute http(s)", raw)
	}
	return nil
}

// FindEndpoint returns the endpoint for module m implementing role r.
func FindEndpoint(endpoints []Endpoint, m Module, r InterfaceRole) (Endpoint, bool) {
	for _, ep := range endpoints {
		if ep.Module == m && ep.Role == r {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// Status codes carried in the response envelope.
const (
	StatusSuccess             = 1000
	StatusClientError         = 2000
	StatusInvalidParameters   = 2001
	StatusNotEnoughInfo       = 2002
	StatusUnknownLocation     = 2003
	StatusServerError         = 3000
	StatusUnableToUseClient   = 3001
	StatusUnsupportedVersion  = 3002
	StatusNoMatchingEndpoints = 3003
)

// Response is the envelope wrapped around every OCPI module response.
type Response struct {
	Data          any    `json:"data"`
	StatusCode    int    `json:"status_code"`
	StatusMessage string `json:"status_message"`
	Timestamp     string `json:"timestamp"`
}

// Success wraps data in a 1000 envelope.
func Success(data any, now time.Time) Response {
	return Response{
		Data:          data,
		StatusCode:    StatusSuccess,
		StatusMessage: "Success",
		Timestamp:     Timestamp(now),
	}
}

// Failure builds an envelope without data.
func Failure(code int, msg string, now time.Time) Response {
	return Response{
		StatusCode:    code,
		StatusMessage: msg,
		Timestamp:     Timestamp(now),
	}
}

// Timestamp formats t as an ISO-8601 UTC instant.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// VersionInfo is an entry of the versions list.
type VersionInfo struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

// VersionDetails lists the endpoints of one version.
type VersionDetails struct {
	Version   string     `json:"version"`
	Endpoints []Endpoint `json:"endpoints"`
}

// HubEndpoints builds the hub's own endpoint list rooted at baseURL.
func HubEndpoints(baseURL string) []Endpoint {
	base := strings.TrimRight(baseURL, "/") + "/ocpi/" + Version
	var out []Endpoint
	for _, m := range []Module{ModuleCredentials, ModuleLocations, ModuleSessions, ModuleTokens} {
		for _, r := range []InterfaceRole{Sender, Receiver} {
			out = append(out, Endpoint{Module: m, Role: r, URL: base + "/" + string(m)})
		}
	}
	return out
}
