//go:build linux

package serial

import "testing"

func TestOpen_UnsupportedBaud(t *testing.T) {
	if _, err := Open("/dev/null", 9601); err == nil {
		t.Fatal("expected error for unsupported baud rate")
	}
}

func TestBaudRates_IncludeControllerRate(t *testing.T) {
	if _, ok := baudRates[9600]; !ok {
		t.Fatal("9600 baud must be supported")
	}
}
