package builtin

import (
	"context"
	"testing"

	"github.com/smazurov/devcore/internal/device"
)

type fakeLEDs struct {
	calls []struct {
		ledType string
		enabled bool
		pattern string
	}
}

func (f *fakeLEDs) Set(ledType string, enabled bool, pattern string) error {
	f.calls = append(f.calls, struct {
		ledType string
		enabled bool
		pattern string
	}{ledType, enabled, pattern})
	return nil
}
func (f *fakeLEDs) Available() []string { return []string{"act"} }
func (f *fakeLEDs) Patterns() []string { return []string{"solid", "heartbeat"} }

func TestLEDNotifyParsesTypeAndPattern(t *testing.T) {
	leds := &fakeLEDs{}
	r := NewRegistry(leds, nil)
	dev := device.New("/devices/virtual/x", nil, nil)

	code := r.Run(context.Background(), LEDNotify, dev, "act:heartbeat", false)
	if code != 0 {
		t.Fatalf("code = %d, want 0", code)
	}
	if len(leds.calls) != 1 {
		t.Fatalf("expected one Set call, got %d", len(leds.calls))
	}
	call := leds.calls[0]
	if call.ledType != "act" || call.pattern != "heartbeat" || !call.enabled {
		t.Errorf("unexpected call: %+v", call)
	}
}

func TestLEDNotifyOffDisables(t *testing.T) {
	leds := &fakeLEDs{}
	r := NewRegistry(leds, nil)
	dev := device.New("/devices/virtual/x", nil, nil)

	r.Run(context.Background(), LEDNotify, dev, "act:off", false)
	if len(leds.calls) != 1 || leds.calls[0].enabled {
		t.Fatalf("expected disabled call, got %+v", leds.calls)
	}
}

func TestLEDNotifyTestModeSkipsSideEffects(t *testing.T) {
	leds := &fakeLEDs{}
	r := NewRegistry(leds, nil)
	dev := device.New("/devices/virtual/x", nil, nil)

	r.Run(context.Background(), LEDNotify, dev, "act:heartbeat", true)
	if len(leds.calls) != 0 {
		t.Errorf("test mode should not call Set, got %d calls", len(leds.calls))
	}
}

func TestUnknownBuiltinTagReturnsError(t *testing.T) {
	r := NewRegistry(nil, nil)
	dev := device.New("/devices/virtual/x", nil, nil)
	code := r.Run(context.Background(), 99, dev, "", false)
	if code == 0 {
		t.Error("expected nonzero code for unknown builtin tag")
	}
}

func TestNameReturnsRegisteredName(t *testing.T) {
	r := NewRegistry(nil, nil)
	if got := r.Name(LEDNotify); got != "led_notify" {
		t.Errorf("Name(LEDNotify) = %q, want led_notify", got)
	}
}
