package tunnel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// FrameType tags the logical kind of a Frame on the wire.
type FrameType string

// Frame type tags, per the wire format table in SPEC_FULL.md section 6.
const (
	FrameTypeAttach   FrameType = "attach"
	FrameTypeAck      FrameType = "ack"
	FrameTypeError    FrameType = "error"
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypePing     FrameType = "ping"
	FrameTypePong     FrameType = "pong"
	FrameTypeClose    FrameType = "close"
)

// DefaultMaxFrameBytes is the default cap on a single encoded frame,
// including base64 overhead.
const DefaultMaxFrameBytes = 16 * 1024 * 1024

// CodecErrorKind enumerates frame decode failure reasons.
type CodecErrorKind string

const (
	CodecErrMalformedFrame CodecErrorKind = "MALFORMED_FRAME"
	CodecErrUnknownType    CodecErrorKind = "UNKNOWN_TYPE"
	CodecErrFieldMissing   CodecErrorKind = "FIELD_MISSING"
	CodecErrFrameTooLarge  CodecErrorKind = "FRAME_TOO_LARGE"
)

// CodecError is returned by DecodeFrame when a frame cannot be decoded.
type CodecError struct {
	Kind    CodecErrorKind
	Message string
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Header is a single header name/value pair; frames preserve order and
// duplicate keys by using a slice of pairs rather than a map.
type Header [2]string

// Frame is the decoded, logical form of one wire message. Only the fields
// relevant to Type are populated; this mirrors the envelope-then-payload
// two-pass decode the teacher used for its (protobuf) session_config
// messages, reworked here for plain JSON per the dropped-protobuf note in
// DESIGN.md.
type Frame struct {
	Type FrameType

	// attach
	AuthToken string

	// error / close
	Kind    string
	Message string

	// request / response share CorrelationID
	CorrelationID string
	Method        string
	Path          string
	Query         string
	Status        int
	Headers       []Header
	Body          []byte

	// ping / pong
	Tag int64
}

// wireFrame is the literal JSON envelope. body is carried as base64 text
// always (the spec's normative rule; see DESIGN.md Open Questions #1 on why
// this departs from the original Python implementation's conditional
// encoding).
type wireFrame struct {
	Type    string     `json:"type"`
	Auth    string     `json:"auth_token,omitempty"`
	Kind    string     `json:"kind,omitempty"`
	Message string     `json:"message,omitempty"`
	ID      string     `json:"id,omitempty"`
	Method  string     `json:"method,omitempty"`
	Path    string     `json:"path,omitempty"`
	Query   string     `json:"query,omitempty"`
	Status  int        `json:"status,omitempty"`
	Headers [][2]string `json:"headers,omitempty"`
	BodyB64 string     `json:"body_b64,omitempty"`
	Tag     int64      `json:"t,omitempty"`
}

// EncodeFrame serializes f to its wire JSON form.
func EncodeFrame(f *Frame) ([]byte, error) {
	w := wireFrame{
		Type:    string(f.Type),
		Auth:    f.AuthToken,
		Kind:    f.Kind,
		Message: f.Message,
		ID:      f.CorrelationID,
		Method:  f.Method,
		Path:    f.Path,
		Query:   f.Query,
		Status:  f.Status,
		Tag:     f.Tag,
	}
	if len(f.Headers) > 0 {
		w.Headers = make([][2]string, len(f.Headers))
		for i, h := range f.Headers {
			w.Headers[i] = [2]string{h[0], h[1]}
		}
	}
	if f.Body != nil {
		w.BodyB64 = base64.StdEncoding.EncodeToString(f.Body)
	}
	return json.Marshal(&w)
}

// DecodeFrame parses raw wire bytes into a Frame, enforcing maxBytes and the
// required-field set for each type tag.
func DecodeFrame(raw []byte, maxBytes int) (*Frame, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	if len(raw) > maxBytes {
		return nil, &CodecError{Kind: CodecErrFrameTooLarge, Message: fmt.Sprintf("frame of %d bytes exceeds limit %d", len(raw), maxBytes)}
	}

	var w wireFrame
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &CodecError{Kind: CodecErrMalformedFrame, Message: err.Error()}
	}
	if w.Type == "" {
		return nil, &CodecError{Kind: CodecErrFieldMissing, Message: "missing \"type\""}
	}

	f := &Frame{
		Type:          FrameType(w.Type),
		AuthToken:     w.Auth,
		Kind:          w.Kind,
		Message:       w.Message,
		CorrelationID: w.ID,
		Method:        w.Method,
		Path:          w.Path,
		Query:         w.Query,
		Status:        w.Status,
		Tag:           w.Tag,
	}
	for _, h := range w.Headers {
		f.Headers = append(f.Headers, Header{h[0], h[1]})
	}
	if w.BodyB64 != "" {
		body, err := base64.StdEncoding.DecodeString(w.BodyB64)
		if err != nil {
			return nil, &CodecError{Kind: CodecErrMalformedFrame, Message: "invalid body_b64: " + err.Error()}
		}
		f.Body = body
	}

	switch f.Type {
	case FrameTypeAttach:
		if f.AuthToken == "" {
			return nil, &CodecError{Kind: CodecErrFieldMissing, Message: "attach requires auth_token"}
		}
	case FrameTypeAck:
		// no required fields beyond type
	case FrameTypeError, FrameTypeClose:
		if f.Kind == "" {
			return nil, &CodecError{Kind: CodecErrFieldMissing, Message: string(f.Type) + " requires kind"}
		}
	case FrameTypeRequest:
		if f.CorrelationID == "" || f.Method == "" {
			return nil, &CodecError{Kind: CodecErrFieldMissing, Message: "request requires id and method"}
		}
	case FrameTypeResponse:
		if f.CorrelationID == "" {
			return nil, &CodecError{Kind: CodecErrFieldMissing, Message: "response requires id"}
		}
	case FrameTypePing, FrameTypePong:
		// tag is optional; zero value is a legitimate tag
	default:
		return nil, &CodecError{Kind: CodecErrUnknownType, Message: string(f.Type)}
	}

	return f, nil
}
