package tunnel

import (
	"fmt"
	"net/url"

	"github.com/edgewan/agentcore/pkg/model"
)

// ResolveWSURL derives wss://<hub-host>/ws/tunnel from the hub base URL, or
// uses a hub-provided tunnel_url override when present (spec.md §4.6
// "Connect procedure").
func ResolveWSURL(endpoint model.HubEndpoint, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	base, err := url.Parse(endpoint.BaseURL)
	if err != nil {
		return "", fmt.Errorf("tunnel: parse hub base url: %w", err)
	}
	scheme := "ws"
	if base.Scheme == "https" {
		scheme = "wss"
	}
	path := endpoint.WSTunnelPath
	if path == "" {
		path = "/ws/tunnel"
	}
	u := url.URL{Scheme: scheme, Host: base.Host, Path: path}
	return u.String(), nil
}
