// Package handler defines the request/response shapes the stream
// multiplexor dispatches to, and the built-in router (spec.md §4.7
// "Handler dispatch").
package handler

import (
	"encoding/json"
	"fmt"
	"time"
)

// Request is a borrowed view of one inbound HTTP-over-tunnel request.
// External handlers must not retain it past the call (spec.md §3
// "Ownership").
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
}

// Response is what a handler (or the built-in router) produces.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

func JSON(status int, v interface{}) Response {
	body, err := json.Marshal(v)
	if err != nil {
		return Response{Status: 500, Body: []byte(`{"error":"encode failure"}`)}
	}
	return Response{
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
}

// Router answers one request. Handled reports whether the router produced
// a response at all, so the caller can fall through to the next router in
// the chain (spec.md §4.7 "if an external on_request handler ... returns
// handled, its response is used; otherwise a built-in router answers").
type Router interface {
	Route(req Request) (resp Response, handled bool)
}

// RouterFunc adapts a plain function to Router.
type RouterFunc func(req Request) (Response, bool)

func (f RouterFunc) Route(req Request) (Response, bool) { return f(req) }

// Chain tries each router in order and stops at the first one that
// handles the request.
type Chain []Router

func (c Chain) Route(req Request) (Response, bool) {
	for _, r := range c {
		if resp, ok := r.Route(req); ok {
			return resp, true
		}
	}
	return Response{}, false
}

// BuiltinRouter answers /ping, /api/ping, /status, /api/status and 404s
// everything else (spec.md §4.7).
type BuiltinRouter struct {
	NodeID string
	Uptime func() time.Duration
}

func (b BuiltinRouter) Route(req Request) (Response, bool) {
	switch {
	case req.Method == "GET" && (req.Path == "/ping" || req.Path == "/api/ping"):
		return JSON(200, map[string]bool{"ok": true}), true
	case req.Method == "GET" && (req.Path == "/status" || req.Path == "/api/status"):
		uptimeMS := int64(0)
		if b.Uptime != nil {
			uptimeMS = b.Uptime().Milliseconds()
		}
		return JSON(200, map[string]interface{}{
			"ok":        true,
			"uptime_ms": uptimeMS,
			"node_id":   b.NodeID,
		}), true
	default:
		return JSON(404, map[string]string{"error": fmt.Sprintf("no route for %s %s", req.Method, req.Path)}), true
	}
}
