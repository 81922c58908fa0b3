package lamp

import (
	"errors"
	"testing"

	"github.com/cjeanneret/RangePano/internal/hw/gpio"
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	calls    []gpioCall
	writeErr error
}

type gpioCall struct {
	op    string
	pin   int
	level gpio.Level
}

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	if d.writeErr != nil {
		return d.writeErr
	}
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) { return gpio.Low, nil }

func (d *recordingDriver) Close() error { return nil }

func (d *recordingDriver) writes() []gpio.Level {
	var out []gpio.Level
	for _, c := range d.calls {
		if c.op == "write" {
			out = append(out, c.level)
		}
	}
	return out
}

func TestNew_StartsDark(t *testing.T) {
	cases := []struct {
		name      string
		activeLow bool
		want      gpio.Level
	}{
		{"active_high", false, gpio.Low},
		{"active_low", true, gpio.High},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			drv := &recordingDriver{}
			l, err := New(drv, 22, tc.activeLow)
			if err != nil {
				t.Fatal(err)
			}
			if drv.calls[0].op != "setup" || drv.calls[0].pin != 22 {
				t.Errorf("first call = %+v, want setup of pin 22", drv.calls[0])
			}
			w := drv.writes()
			if len(w) != 1 || w[0] != tc.want {
				t.Errorf("writes = %v, want [%v]", w, tc.want)
			}
			if l.Lit() {
				t.Error("new lamp reports lit")
			}
		})
	}
}

func TestSet_Sequence(t *testing.T) {
	drv := &recordingDriver{}
	l, _ := New(drv, 22, true)
	drv.calls = nil

	_ = l.On()
	_ = l.On()
	_ = l.Off()

	w := drv.writes()
	want := []gpio.Level{gpio.Low, gpio.High}
	if len(w) != len(want) {
		t.Fatalf("writes = %v, want %v", w, want)
	}
	for i := range want {
		if w[i] != want[i] {
			t.Errorf("write %d = %v, want %v", i, w[i], want[i])
		}
	}
}

func TestSet_WriteErrorKeepsState(t *testing.T) {
	drv := &recordingDriver{}
	l, _ := New(drv, 5, false)
	drv.writeErr = errors.New("bus fault")

	if err := l.On(); err == nil {
		t.Fatal("expected error")
	}
	if l.Lit() {
		t.Error("lamp reports lit after failed write")
	}
}

func TestNilLamp(t *testing.T) {
	var l *Lamp
	if err := l.On(); err != nil {
		t.Error(err)
	}
	if l.Lit() {
		t.Error("nil lamp reports lit")
	}
}

func TestNew_WithMockDriver(t *testing.T) {
	drv := gpio.NewMockDriver()
	l, err := New(drv, 27, false)
	if err != nil {
		t.Fatal(err)
	}
	_ = l.On()
	if lvl, _ := drv.ReadPin(27); lvl != gpio.High {
		t.Errorf("pin level = %v, want high", lvl)
	}
}
