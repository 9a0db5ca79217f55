package stream

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/edgewan/agentcore/pkg/handler"
	"github.com/edgewan/agentcore/pkg/model"
)

func (m *Multiplexor) handleControl(raw []byte) error {
	var ctl model.ControlFrame
	if err := json.Unmarshal(raw, &ctl); err != nil {
		return fmt.Errorf("stream: decode control frame: %w", err)
	}
	switch ctl.Cmd {
	case "open_stream":
		if m.active != nil && m.active.Open {
			log.Printf("stream: open_stream for %s while %s is open, ignoring", ctl.StreamID, m.active.StreamID)
			return nil
		}
		m.active = &ActiveStream{StreamID: ctl.StreamID, Open: true}
	case "close_stream":
		m.active = nil
	default:
		log.Printf("stream: unknown control cmd %q", ctl.Cmd)
	}
	return nil
}

func (m *Multiplexor) handleData(raw []byte) error {
	var data model.DataFrame
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("stream: decode data frame: %w", err)
	}
	if data.Direction != "c2n" {
		return nil // n2c is our own outbound direction, never inbound
	}
	if m.active == nil || !m.active.Open || m.active.StreamID != data.StreamID {
		log.Printf("stream: data frame for unknown/inactive stream %s", data.StreamID)
		return nil
	}

	chunk, err := base64.StdEncoding.DecodeString(data.PayloadBase64)
	if err != nil {
		return fmt.Errorf("stream: decode data payload: %w", err)
	}

	if len(m.active.Buffer)+len(chunk) > m.maxBody {
		m.overflow(data.StreamID)
		return nil
	}
	m.active.Buffer = append(m.active.Buffer, chunk...)

	req, ok, err := tryReassemble(m.active.Buffer)
	if err != nil {
		m.overflow(data.StreamID)
		return nil
	}
	if !ok {
		return nil // still waiting on more chunks
	}

	resp := m.dispatch(req)
	streamID := m.active.StreamID
	m.active = nil
	return m.sendLegacyResponse(streamID, resp)
}

// overflow emits the 413 response and closes the stream per spec.md §4.7
// ("Exceeding the cap emits a 413 Payload Too Large HTTP response and
// closes the stream").
func (m *Multiplexor) overflow(streamID string) {
	if err := m.sendLegacyResponse(streamID, handler.Response{Status: 413}); err != nil {
		log.Printf("stream: failed to send 413 for %s: %v", streamID, err)
	}
	m.active = nil
}

// tryReassemble looks for a complete HTTP request in buf: request line,
// headers terminated by "\r\n\r\n", and Content-Length bytes of body
// (spec.md §4.7 "HTTP reassembly").
func tryReassemble(buf []byte) (handler.Request, bool, error) {
	headerEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return handler.Request{}, false, nil
	}
	head := string(buf[:headerEnd])
	lines := strings.Split(head, "\r\n")
	if len(lines) == 0 {
		return handler.Request{}, false, fmt.Errorf("stream: empty request head")
	}

	requestLine := strings.SplitN(lines[0], " ", 3)
	if len(requestLine) < 2 {
		return handler.Request{}, false, fmt.Errorf("stream: malformed request line %q", lines[0])
	}
	method, path := requestLine[0], requestLine[1]

	headers := map[string]string{}
	contentLength := 0
	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		headers[k] = v
		if k == "Content-Length" { // case-sensitive match per spec.md §4.7
			n, err := strconv.Atoi(v)
			if err != nil {
				return handler.Request{}, false, fmt.Errorf("stream: bad Content-Length %q", v)
			}
			contentLength = n
		}
	}

	bodyStart := headerEnd + 4
	available := len(buf) - bodyStart
	if available < contentLength {
		return handler.Request{}, false, nil // wait for more chunks
	}
	body := buf[bodyStart : bodyStart+contentLength]
	return handler.Request{Method: method, Path: path, Headers: headers, Body: body}, true, nil
}
