// Package device speaks the positioner controller's newline-delimited
// JSON protocol over a serial link.
package device

import (
	"encoding/json"
	"fmt"
)

// CommandKind names a controller command as it appears on the wire.
type CommandKind string

const (
	Home       CommandKind = "home"
	Move       CommandKind = "move"
	Stop       CommandKind = "stop"
	Init       CommandKind = "init"
	QueryState CommandKind = "state"
)

// Command is one request to the controller. Position is only meaningful
// for Move.
type Command struct {
	Kind     CommandKind
	Position int
}

// HomeCommand, StopCommand, InitCommand and QueryStateCommand carry no
// arguments.
func HomeCommand() Command       { return Command{Kind: Home} }
func StopCommand() Command       { return Command{Kind: Stop} }
func InitCommand() Command       { return Command{Kind: Init} }
func QueryStateCommand() Command { return Command{Kind: QueryState} }

// MoveCommand targets an absolute encoder position.
func MoveCommand(position int) Command {
	return Command{Kind: Move, Position: position}
}

// ParseCommandKind validates a command name received from a client.
func ParseCommandKind(s string) (CommandKind, error) {
	switch k := CommandKind(s); k {
	case Home, Move, Stop, Init, QueryState:
		return k, nil
	default:
		return "", fmt.Errorf("unknown command %q", s)
	}
}

type wireCommand struct {
	Command  CommandKind `json:"command"`
	Position *int        `json:"position,omitempty"`
}

// MarshalJSON emits {"command":...} and adds "position" for Move.
func (c Command) MarshalJSON() ([]byte, error) {
	w := wireCommand{Command: c.Kind}
	if c.Kind == Move {
		p := c.Position
		w.Position = &p
	}
	return json.Marshal(w)
}

// Encode returns the newline-terminated wire form of c.
func Encode(c Command) ([]byte, error) {
	if _, err := ParseCommandKind(string(c.Kind)); err != nil {
		return nil, err
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s command: %w", c.Kind, err)
	}
	return append(b, '\n'), nil
}

func (c Command) String() string {
	if c.Kind == Move {
		return fmt.Sprintf("move(%d)", c.Position)
	}
	return string(c.Kind)
}
