package device

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind discriminates statuses by their "message" field.
type Kind int

const (
	KindGeneric Kind = iota
	KindState
	KindInit
)

func (k Kind) String() string {
	switch k {
	case KindState:
		return "state"
	case KindInit:
		return "init"
	default:
		return "generic"
	}
}

// Status is one message reported by the controller, or synthesized by
// the server (the "init" announcing a new mosaic).
//
// Statuses parsed from the wire keep their raw bytes and are re-emitted
// verbatim, so fields this type does not model still reach clients.
type Status struct {
	Message                   string `json:"message"`
	IsBusy                    bool   `json:"isBusy"`
	HasHomed                  bool   `json:"hasHomed"`
	AtHomePosition            bool   `json:"atHomePosition"`
	CurrentSetPosition        int    `json:"currentSetPosition"`
	MaxPositionInEncoderSteps int    `json:"maxPositionInEncoderSteps"`
	MosaicID                  string `json:"mosaicId,omitempty"`

	raw json.RawMessage
}

// Kind reports which slot of the status hub this status belongs to.
func (s Status) Kind() Kind {
	switch s.Message {
	case "state":
		return KindState
	case "init":
		return KindInit
	default:
		return KindGeneric
	}
}

// Raw returns the bytes the status was parsed from, or nil.
func (s Status) Raw() json.RawMessage { return s.raw }

// CapturePermitted is true once the positioner has homed and left home.
func (s Status) CapturePermitted() bool {
	return s.HasHomed && !s.AtHomePosition
}

// NewInitStatus announces a published mosaic.
func NewInitStatus(mosaicID string) Status {
	return Status{Message: "init", MosaicID: mosaicID}
}

// ParseStatus decodes one line received from the controller. Valid JSON
// that does not fit Status (a bare string, a mistyped field) becomes a
// generic status carrying the line verbatim; only invalid JSON is a
// ParseError.
func ParseStatus(line []byte) (Status, error) {
	line = bytes.TrimSpace(line)
	raw := append(json.RawMessage(nil), line...)
	var s Status
	if err := json.Unmarshal(line, &s); err != nil {
		if !json.Valid(line) {
			return Status{}, &ParseError{Line: string(line), Err: err}
		}
		return Status{raw: raw}, nil
	}
	s.raw = raw
	return s, nil
}

// MarshalJSON re-emits parsed statuses unchanged. Synthesized statuses
// are encoded with the fields of their kind.
func (s Status) MarshalJSON() ([]byte, error) {
	if len(s.raw) > 0 {
		return s.raw, nil
	}
	switch s.Kind() {
	case KindState:
		type state Status
		return json.Marshal(state(s))
	case KindInit:
		return json.Marshal(struct {
			Message  string `json:"message"`
			MosaicID string `json:"mosaicId"`
		}{s.Message, s.MosaicID})
	default:
		return json.Marshal(struct {
			Message string `json:"message"`
		}{s.Message})
	}
}

func (s Status) String() string {
	switch s.Kind() {
	case KindState:
		return fmt.Sprintf("state(busy=%t homed=%t atHome=%t pos=%d/%d)",
			s.IsBusy, s.HasHomed, s.AtHomePosition, s.CurrentSetPosition, s.MaxPositionInEncoderSteps)
	case KindInit:
		return fmt.Sprintf("init(mosaic=%s)", s.MosaicID)
	default:
		return s.Message
	}
}
