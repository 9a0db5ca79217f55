package stream

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/edgewan/agentcore/pkg/handler"
	"github.com/edgewan/agentcore/pkg/model"
)

// buildRawHTTPResponse renders the legacy dialect's response text (spec.md
// §4.7 "Response framing"): status line, Content-Type, Content-Length,
// Connection: close, blank line, body.
func buildRawHTTPResponse(resp handler.Response) []byte {
	status := resp.Status
	if status == 0 {
		status = 200
	}
	reason := http.StatusText(status)
	if reason == "" {
		reason = "Unknown"
	}
	contentType := "application/octet-stream"
	if resp.Headers != nil {
		if ct, ok := resp.Headers["Content-Type"]; ok {
			contentType = ct
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, reason)
	fmt.Fprintf(&buf, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(resp.Body))
	buf.WriteString("Connection: close\r\n\r\n")
	buf.Write(resp.Body)
	return buf.Bytes()
}

// sendLegacyResponse emits the built response as a base64 "data" frame
// with direction n2c (spec.md §4.7). It does not touch the active stream;
// its callers clear it.
func (m *Multiplexor) sendLegacyResponse(streamID string, resp handler.Response) error {
	raw := buildRawHTTPResponse(resp)
	frame := model.DataFrame{
		Type:          "data",
		StreamID:      streamID,
		Direction:     "n2c",
		PayloadBase64: base64.StdEncoding.EncodeToString(raw),
	}
	return m.tx.SendJSON(frame)
}
