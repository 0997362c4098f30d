// Package uevent adapts raw kernel uevents into *device.Device values the
// orchestrator consumes. It wraps pkg/linuxav/hotplug's pure-Go netlink
// kobject_uevent reader — the uevent netlink receiver spec §1 names as an
// external collaborator with a narrow contract, kept here only so the
// repository is runnable end to end rather than built exclusively as a
// library.
package uevent

import (
	"context"
	"strconv"
	"strings"

	"github.com/smazurov/devcore/internal/device"
	"github.com/smazurov/devcore/internal/logging"
	"github.com/smazurov/devcore/pkg/linuxav/hotplug"
)

var logger = logging.GetLogger("uevent")

// Source receives raw kernel uevents and turns each into a *device.Device,
// registering it in reg so Device.Parent() can resolve it later.
type Source struct {
	monitor *hotplug.Monitor
	reg     *device.Registry
	sysRoot string
}

// NewSource opens a kernel uevent netlink socket and returns a Source that
// builds devices registered against reg. sysRoot defaults to "/sys".
func NewSource(reg *device.Registry, sysRoot string) (*Source, error) {
	m, err := hotplug.NewMonitor()
	if err != nil {
		return nil, err
	}
	if sysRoot == "" {
		sysRoot = "/sys"
	}
	return &Source{monitor: m, reg: reg, sysRoot: sysRoot}, nil
}

// Close releases the netlink socket.
func (s *Source) Close() error {
	return s.monitor.Close()
}

// Run blocks delivering devices built from kernel uevents to out until ctx
// is cancelled or the underlying monitor errors. out is closed on return.
func (s *Source) Run(ctx context.Context, out chan<- *device.Device) error {
	events := make(chan hotplug.Event, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- s.monitor.Run(ctx, events) }()

	defer close(out)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return <-errCh
			}
			dev := s.fromEvent(ev)
			select {
			case out <- dev:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fromEvent converts one raw kernel event into a registered *device.Device
// (spec §3 accessor contract), deriving the derived fields ParseUEvent
// doesn't already split out.
func (s *Source) fromEvent(ev hotplug.Event) *device.Device {
	order := make([]string, 0, len(ev.Env))
	for k := range ev.Env {
		order = append(order, k)
	}

	syspath := s.sysRoot + ev.KObj
	dev := device.New(syspath, order, ev.Env)
	dev.Action = device.Action(ev.Action)
	dev.Subsystem = ev.Subsystem
	dev.Devpath = ev.KObj
	if ev.DevName != "" {
		dev.Devnode = ev.DevName
		if !strings.HasPrefix(dev.Devnode, "/") {
			dev.Devnode = "/dev/" + dev.Devnode
		}
	}
	dev.Sysname = lastPathComponent(ev.KObj)
	dev.WithSysattrs(device.FsSysattrs{Syspath: syspath, SysRoot: s.sysRoot})

	if major, ok := ev.Env["MAJOR"]; ok {
		if minor, ok := ev.Env["MINOR"]; ok {
			if num, err := device.ParseDevnum(major, minor); err == nil {
				dev.Devnum = num
			}
		}
	}
	if ifindex, ok := ev.Env["IFINDEX"]; ok {
		if n, err := strconv.Atoi(ifindex); err == nil {
			dev.Ifindex = n
		}
	}
	if mode, ok := ev.Env["DEVMODE"]; ok {
		if n, err := strconv.ParseInt(mode, 8, 32); err == nil {
			v := int(n)
			dev.KernelMode = &v
		}
	}
	if uid, ok := ev.Env["DEVUID"]; ok {
		if n, err := strconv.Atoi(uid); err == nil {
			dev.KernelUid = &n
		}
	}
	if gid, ok := ev.Env["DEVGID"]; ok {
		if n, err := strconv.Atoi(gid); err == nil {
			dev.KernelGid = &n
		}
	}

	parent := parentSyspath(syspath)
	dev.WithRegistry(s.reg, parent)
	s.reg.Put(dev)

	logger.Debug("built device from uevent", "action", ev.Action, "syspath", syspath)
	return dev
}

func lastPathComponent(p string) string {
	p = strings.TrimRight(p, "/")
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// parentSyspath returns the syspath one directory level up, or "" for a
// device with no parent candidate (e.g. already at the devices root).
func parentSyspath(syspath string) string {
	trimmed := strings.TrimRight(syspath, "/")
	i := strings.LastIndexByte(trimmed, '/')
	if i <= 0 {
		return ""
	}
	return trimmed[:i]
}
