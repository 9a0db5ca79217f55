// Package stream implements the Stream Multiplexor (spec.md §4.7): inbound
// HTTP-over-WebSocket reassembly, dispatch to a handler.Router, and
// response framing. Both wire dialects are understood; the envelope dialect
// (HTTP_REQ/HTTP_RES) is this module's chosen primary (spec.md §9 "an
// implementation may pick one").
package stream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"

	"github.com/edgewan/agentcore/pkg/handler"
	"github.com/edgewan/agentcore/pkg/model"
)

// Sender is the subset of *tunnel.Transport the multiplexor needs; kept as
// an interface so it can be driven by a fake in tests.
type Sender interface {
	SendJSON(v interface{}) error
}

// ActiveStream tracks the single in-flight inbound request (spec.md §3 "at
// most one").
type ActiveStream struct {
	StreamID string
	Buffer   []byte
	Open     bool
}

type Multiplexor struct {
	tx      Sender
	router  handler.Router
	active  *ActiveStream
	maxBody int
}

func New(tx Sender, router handler.Router) *Multiplexor {
	return &Multiplexor{tx: tx, router: router, maxBody: model.MaxStreamRequestBytes}
}

// NewWithLimit builds a Multiplexor with a configurable cumulative body cap
// (spec.md §6 "max_tunnel_body_bytes"); maxBody<=0 keeps the spec default.
func NewWithLimit(tx Sender, router handler.Router, maxBody int) *Multiplexor {
	if maxBody <= 0 {
		maxBody = model.MaxStreamRequestBytes
	}
	return &Multiplexor{tx: tx, router: router, maxBody: maxBody}
}

// HasActiveStream reports whether a stream is currently open.
func (m *Multiplexor) HasActiveStream() bool { return m.active != nil && m.active.Open }

// Reset drops any in-flight stream state, for tunnel-drop handling (spec.md
// §4.7 "ActiveStream ... Destroyed ... on tunnel drop").
func (m *Multiplexor) Reset() {
	m.active = nil
}

// HandleMessage dispatches one raw tunnel text frame, sniffing its "type"
// to pick a dialect (spec.md §4.7).
func (m *Multiplexor) HandleMessage(raw []byte) error {
	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("stream: invalid frame json: %w", err)
	}
	switch env.Type {
	case "HTTP_REQ":
		return m.handleEnvelopeRequest(raw)
	case "control":
		return m.handleControl(raw)
	case "data":
		return m.handleData(raw)
	default:
		log.Printf("stream: ignoring frame of unknown type %q", env.Type)
		return nil
	}
}

func (m *Multiplexor) handleEnvelopeRequest(raw []byte) error {
	var req model.HTTPReqFrame
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("stream: decode HTTP_REQ: %w", err)
	}
	if m.active != nil && m.active.Open {
		log.Printf("stream: HTTP_REQ for %s arrived while stream %s is still open, rejecting", req.StreamID, m.active.StreamID)
		return m.respondEnvelope(req.StreamID, 503, nil, []byte("stream busy"))
	}

	body, err := decodeBody(req.Body)
	if err != nil {
		return m.respondEnvelope(req.StreamID, 400, nil, []byte("bad body encoding"))
	}
	if len(body) > m.maxBody {
		return m.respondEnvelope(req.StreamID, 413, nil, nil)
	}

	m.active = &ActiveStream{StreamID: req.StreamID, Open: true}
	resp := m.dispatch(handler.Request{Method: req.Method, Path: req.Path, Headers: req.Headers, Body: body})
	m.active = nil
	return m.respondEnvelope(req.StreamID, resp.Status, resp.Headers, resp.Body)
}

func (m *Multiplexor) respondEnvelope(streamID string, status int, headers map[string]string, body []byte) error {
	frame := model.HTTPResFrame{
		Type:     "HTTP_RES",
		StreamID: streamID,
		Status:   status,
		Headers:  headers,
		Body:     base64.StdEncoding.EncodeToString(body),
	}
	return m.tx.SendJSON(frame)
}

func (m *Multiplexor) dispatch(req handler.Request) handler.Response {
	resp, handled := m.router.Route(req)
	if !handled {
		return handler.JSON(404, map[string]string{"error": "not found"})
	}
	return resp
}

func decodeBody(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
