package gpio

import "testing"

func TestMockDriver_ReadReflectsWrite(t *testing.T) {
	d := NewMockDriver()
	if err := d.SetupPin(17, Output); err != nil {
		t.Fatal(err)
	}
	if mode, ok := d.Mode(17); !ok || mode != Output {
		t.Errorf("Mode(17) = %v, %v", mode, ok)
	}
	if lvl, _ := d.ReadPin(17); lvl != Low {
		t.Errorf("initial level = %v, want low", lvl)
	}
	_ = d.WritePin(17, High)
	if lvl, _ := d.ReadPin(17); lvl != High {
		t.Errorf("level = %v, want high", lvl)
	}
	if _, ok := d.Mode(4); ok {
		t.Error("unconfigured pin reported a mode")
	}
}

func TestNewDriver_Mock(t *testing.T) {
	d, err := NewDriver(true)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := d.(*MockDriver); !ok {
		t.Errorf("NewDriver(true) = %T, want *MockDriver", d)
	}
	if err := d.Close(); err != nil {
		t.Error(err)
	}
}

func TestLevelString(t *testing.T) {
	if High.String() != "high" || Low.String() != "low" {
		t.Errorf("got %q / %q", High, Low)
	}
	if Output.String() != "output" || Input.String() != "input" {
		t.Errorf("got %q / %q", Output, Input)
	}
}
