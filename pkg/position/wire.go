package position

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Message types carried in the "type" field.
const (
	TypePosition    = "position"
	TypeAddPosition = "addPosition"
	TypePositions   = "positions"
	TypeError       = "error"
)

// SnapshotMessage is the frame broadcast to every client on connect and after
// each update.
type SnapshotMessage struct {
	Type string     `json:"type"`
	Data []Position `json:"data"`
}

// ReportMessage is the enveloped client submission.
type ReportMessage struct {
	Type string   `json:"type"`
	Data Position `json:"data"`
}

// ErrorMessage is sent to a single client whose report was rejected.
type ErrorMessage struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// ServerMessage is the union of frames a client may receive.
type ServerMessage struct {
	Type   string     `json:"type"`
	Data   []Position `json:"data,omitempty"`
	Error  string     `json:"error,omitempty"`
	Detail string     `json:"detail,omitempty"`
}

type envelope struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Position json.RawMessage `json:"position"`
}

// DecodeReport parses and validates one client frame. It accepts the
// enveloped form, the bare form and the legacy addPosition form. Every
// failure is a *RejectError.
func DecodeReport(frame []byte) (Position, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Position{}, Reject(ReasonMalformed, "decode frame: %v", err)
	}

	var body json.RawMessage
	switch env.Type {
	case TypePosition:
		body = env.Data
	case TypeAddPosition:
		body = env.Position
	case "":
		body = frame
	default:
		return Position{}, Reject(ReasonMalformed, "unknown message type %q", env.Type)
	}
	if len(bytes.TrimSpace(body)) == 0 || bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		return Position{}, Reject(ReasonMalformed, "message %q has no position", env.Type)
	}

	var r report
	if err := json.Unmarshal(body, &r); err != nil {
		return Position{}, Reject(ReasonMalformed, "decode position: %v", err)
	}
	return r.position()
}

// EncodeReport builds the enveloped client frame for p.
func EncodeReport(p Position) ([]byte, error) {
	return json.Marshal(ReportMessage{Type: TypePosition, Data: p})
}

// EncodeSnapshot builds the broadcast frame. A nil slice is sent as [].
func EncodeSnapshot(ps []Position) ([]byte, error) {
	if ps == nil {
		ps = []Position{}
	}
	return json.Marshal(SnapshotMessage{Type: TypePositions, Data: ps})
}

// EncodeError builds the error frame for err. Errors that are not
// rejections are reported as malformed.
func EncodeError(err error) ([]byte, error) {
	msg := ErrorMessage{Type: TypeError, Error: string(ReasonMalformed), Detail: err.Error()}
	var re *RejectError
	if errors.As(err, &re) {
		msg.Error = string(re.Reason)
		msg.Detail = re.Detail
	}
	return json.Marshal(msg)
}

// DecodeServerMessage parses a frame received from the server.
func DecodeServerMessage(frame []byte) (ServerMessage, error) {
	var m ServerMessage
	if err := json.Unmarshal(frame, &m); err != nil {
		return ServerMessage{}, err
	}
	return m, nil
}
