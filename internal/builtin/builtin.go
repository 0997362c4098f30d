// Package builtin implements the run-list entries tagged as builtins
// rather than external commands (spec §4.4, §6 "builtin dispatch"). The
// registry is a plain map keyed by an integer tag rather than a process-
// global singleton, per the Design Notes' tagged-choice guidance for
// RunEntry.Builtin.
package builtin

import (
	"context"

	"github.com/smazurov/devcore/internal/device"
	"github.com/smazurov/devcore/internal/led"
	"github.com/smazurov/devcore/internal/logging"
	"github.com/smazurov/devcore/internal/systemd"
)

var logger = logging.GetLogger("builtin")

// Func runs one builtin against dev with the run-list entry's expanded
// argument string. test is true during a dry-run ("what would happen")
// invocation and must not perform side effects. The return value is the
// builtin's exit code in the same sense a spawned external command's
// would be: 0 means success.
type Func func(ctx context.Context, dev *device.Device, args string, test bool) int

// Registry maps the integer tags RunEntry.Builtin carries to their
// implementations.
type Registry struct {
	funcs map[int]Func
	names map[int]string
}

// Builtin tags. External (-1) is reserved by eventctx.RunEntry and never
// registered here.
const (
	LEDNotify = iota
	SystemdRestart
)

// NewRegistry returns a Registry with the concrete builtins this core
// ships wired in: LEDNotify (backed by internal/led) and SystemdRestart
// (backed by internal/systemd).
func NewRegistry(leds led.Controller, svc *systemd.Manager) *Registry {
	r := &Registry{funcs: make(map[int]Func), names: make(map[int]string)}
	r.register(LEDNotify, "led_notify", ledNotify(leds))
	r.register(SystemdRestart, "systemd_restart", systemdRestart(svc))
	return r
}

func (r *Registry) register(tag int, name string, fn Func) {
	r.funcs[tag] = fn
	r.names[tag] = name
}

// Run dispatches to the builtin registered under tag, returning a nonzero
// code and logging an error if tag is unregistered (spec §4.4 "unknown
// builtin tag is a RulesError, not a crash").
func (r *Registry) Run(ctx context.Context, tag int, dev *device.Device, args string, test bool) int {
	fn, ok := r.funcs[tag]
	if !ok {
		logger.Error("unknown builtin tag", "tag", tag)
		return -1
	}
	return fn(ctx, dev, args, test)
}

// Name returns the registered name for tag, or "" if unregistered —
// used for logging run-list entries without leaking the numeric tag.
func (r *Registry) Name(tag int) string {
	return r.names[tag]
}

// ledNotify maps a device event onto an LED pattern change: args is
// "<ledType>:<pattern>", e.g. "act:heartbeat" or "act:off" to turn it
// off (spec §6 builtin "led_notify").
func ledNotify(leds led.Controller) Func {
	return func(ctx context.Context, dev *device.Device, args string, test bool) int {
		if leds == nil {
			return 0
		}
		ledType, pattern, enabled := parseLEDArgs(args)
		if test {
			logger.Debug("led_notify (test)", "led", ledType, "pattern", pattern, "enabled", enabled, "device", dev.String())
			return 0
		}
		if err := leds.Set(ledType, enabled, pattern); err != nil {
			logger.Warn("led_notify failed", "led", ledType, "error", err)
			return 1
		}
		return 0
	}
}

func parseLEDArgs(args string) (ledType, pattern string, enabled bool) {
	for i := 0; i < len(args); i++ {
		if args[i] == ':' {
			ledType = args[:i]
			pattern = args[i+1:]
			break
		}
	}
	if ledType == "" {
		ledType = args
	}
	switch pattern {
	case "", "off":
		return ledType, "", false
	default:
		return ledType, pattern, true
	}
}

// systemdRestart restarts the unit named by args via D-Bus, e.g. a
// "RUN{builtin}+=\"systemd_restart:bluetooth.service\"" rule effect
// (spec §6 builtin "systemd_restart").
func systemdRestart(svc *systemd.Manager) Func {
	return func(ctx context.Context, dev *device.Device, args string, test bool) int {
		if svc == nil || args == "" {
			return 0
		}
		if test {
			logger.Debug("systemd_restart (test)", "unit", args, "device", dev.String())
			return 0
		}
		if err := svc.RestartService(ctx, args); err != nil {
			logger.Warn("systemd_restart failed", "unit", args, "error", err)
			return 1
		}
		return 0
	}
}
