package model

import "fmt"

// TLSPolicy selects how the hub HTTP client validates the server
// certificate. Precedence is resolved by pkg/hubclient's buildTLSConfig.
type TLSPolicy struct {
	Insecure bool   // skip verification entirely
	CAPEM    []byte // pin to this trust anchor when set and Insecure is false
}

// HubEndpoint is immutable after construction.
type HubEndpoint struct {
	BaseURL      string // scheme://host[:port][/base]
	WSTunnelPath string // defaults to /ws/tunnel
	TLS          TLSPolicy
}

// NewHubEndpoint applies the ws_tunnel_path default from spec.md §3.
func NewHubEndpoint(baseURL, wsTunnelPath string, tls TLSPolicy) HubEndpoint {
	if wsTunnelPath == "" {
		wsTunnelPath = "/ws/tunnel"
	}
	return HubEndpoint{BaseURL: baseURL, WSTunnelPath: wsTunnelPath, TLS: tls}
}

func (e HubEndpoint) String() string {
	return fmt.Sprintf("%s%s", e.BaseURL, e.WSTunnelPath)
}
