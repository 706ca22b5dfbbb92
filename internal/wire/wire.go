// Package wire defines the on-the-wire JSON shapes exchanged with the Scratch
// cloud-variable service and the pure functions that translate between wire
// representation and the engine's internal string-only variable model.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CloudMarker is the fixed prefix the server attaches to every cloud
// variable name on the wire: one non-ASCII character (U+2601, "☁") followed
// by a space — 4 UTF-8 bytes total. Locally, names are stored with this
// prefix stripped.
const CloudMarker = "☁ "

// StripMarker removes the leading CloudMarker from name, if present.
// Names that never carried the marker are returned unchanged.
func StripMarker(name string) string {
	return strings.TrimPrefix(name, CloudMarker)
}

// AddMarker prefixes name with CloudMarker for transmission.
func AddMarker(name string) string {
	return CloudMarker + name
}

// HandshakeFrame is sent once, immediately after the transport opens, to
// identify the connecting user and project.
type HandshakeFrame struct {
	Method string `json:"method"`
	User string `json:"user"`
	ProjectID string `json:"project_id"`
}

// NewHandshakeFrame builds the handshake frame sent immediately after dial.
func NewHandshakeFrame(user, projectID string) HandshakeFrame {
	return HandshakeFrame{Method: "handshake", User: user, ProjectID: projectID}
}

// SetFrame is an outbound variable write.
type SetFrame struct {
	Method string `json:"method"`
	Name string `json:"name"`
	Value string `json:"value"`
	User string `json:"user"`
	ProjectID string `json:"project_id"`
}

// NewSetFrame builds a set frame; name is the locally-stored (marker-less)
// variable name — the marker is added here.
func NewSetFrame(name, value, user, projectID string) SetFrame {
	return SetFrame{
		Method: "set",
		Name: AddMarker(name),
		Value: value,
		User: user,
		ProjectID: projectID,
	}
}

// Marshal appends the trailing newline the server expects to delimit frames.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal: %w", err)
	}
	return append(data, '\n'), nil
}

// inboundRecord is the shape of one newline-delimited record the server
// pushes on the duplex connection. Value may arrive as a JSON string or a
// JSON number; DecodeInboundRecord turns a number into its decimal text and
// passes a string through unchanged.
type inboundRecord struct {
	Name string `json:"name"`
	Value json.RawMessage `json:"value"`
}

// DecodeInboundRecord parses one newline-delimited JSON record from the
// real-time transport. The returned name has its CloudMarker stripped. An
// error is returned for malformed JSON or a value that is neither a JSON
// string nor a JSON number — callers should log and skip the record, not
// abort the enclosing frame.
func DecodeInboundRecord(raw []byte) (name, value string, err error) {
	var rec inboundRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", "", fmt.Errorf("wire: decode record: %w", err)
	}
	val, err := NormalizeValue(rec.Value)
	if err != nil {
		return "", "", err
	}
	return StripMarker(rec.Name), val, nil
}

// NormalizeValue converts a raw JSON value (string or number) to its
// canonical decimal string form. A JSON number such as 3.14 normalises to
// the text "3.14"; a JSON string such as "3.14" passes through unchanged.
// Any other JSON type (object, array, bool, null) is a decode failure.
func NormalizeValue(raw json.RawMessage) (string, error) {
	if strings.TrimSpace(string(raw)) == "null" {
		return "", fmt.Errorf("wire: value is neither string nor number: %s", raw)
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}

	var asNumber json.Number
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&asNumber); err == nil {
		return asNumber.String(), nil
	}

	return "", fmt.Errorf("wire: value is neither string nor number: %s", raw)
}
