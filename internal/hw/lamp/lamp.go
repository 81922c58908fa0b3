// Package lamp drives the capture indicator: a single GPIO line that is
// lit while a sweep is recording.
package lamp

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/RangePano/internal/debug"
	"github.com/cjeanneret/RangePano/internal/hw/gpio"
)

// Lamp is safe for concurrent use. A nil *Lamp ignores every call, which
// is how a rig without an indicator is configured.
type Lamp struct {
	mu        sync.Mutex
	drv       gpio.Driver
	pin       int
	activeLow bool
	lit       bool
}

// New sets pin up as an output and turns the lamp off. With activeLow
// the lamp is lit by pulling the line low.
func New(drv gpio.Driver, pin int, activeLow bool) (*Lamp, error) {
	l := &Lamp{drv: drv, pin: pin, activeLow: activeLow}
	if err := drv.SetupPin(pin, gpio.Output); err != nil {
		return nil, fmt.Errorf("lamp: setup pin %d: %w", pin, err)
	}
	if err := drv.WritePin(pin, l.level(false)); err != nil {
		return nil, fmt.Errorf("lamp: pin %d: %w", pin, err)
	}
	return l, nil
}

func (l *Lamp) level(lit bool) gpio.Level {
	return gpio.Level(lit != l.activeLow)
}

// Set lights or darkens the lamp. Repeating the current state does not
// touch the pin.
func (l *Lamp) Set(lit bool) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lit == lit {
		return nil
	}
	if err := l.drv.WritePin(l.pin, l.level(lit)); err != nil {
		return fmt.Errorf("lamp: pin %d: %w", l.pin, err)
	}
	l.lit = lit
	debug.Verbose("indicator lamp", "pin", l.pin, "lit", lit)
	return nil
}

func (l *Lamp) On() error  { return l.Set(true) }
func (l *Lamp) Off() error { return l.Set(false) }

// Lit reports the last state set.
func (l *Lamp) Lit() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lit
}
