// Package orchestrator drives the per-event sequence spec §4.3 and §4.4
// describe: db load, rule application, netif rename, node apply, db
// write, and run-list dispatch, in that fixed order (spec §5 "Ordering
// guarantees"). It is the component that ties every other package in
// this module together, grounded on udev_event_execute_rules and
// udev_event_execute_run in udev-event.c.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/smazurov/devcore/internal/builtin"
	"github.com/smazurov/devcore/internal/db"
	"github.com/smazurov/devcore/internal/device"
	"github.com/smazurov/devcore/internal/eventctx"
	"github.com/smazurov/devcore/internal/format"
	"github.com/smazurov/devcore/internal/logging"
	"github.com/smazurov/devcore/internal/metrics"
	"github.com/smazurov/devcore/internal/netif"
	"github.com/smazurov/devcore/internal/node"
	"github.com/smazurov/devcore/internal/rules"
	"github.com/smazurov/devcore/internal/spawn"
)

var logger = logging.GetLogger("orchestrator")

// WatchSuspender is the narrow external collaborator that owns inotify
// watch descriptors on device nodes (spec §1 "watch descriptor wiring ...
// out of scope"). A nil WatchSuspender makes Suspend a no-op.
type WatchSuspender interface {
	Suspend(dev *device.Device)
}

// Config bundles the orchestrator's static dependencies and default
// timeouts.
type Config struct {
	HelperDir   string
	TimeoutWarn time.Duration
	TimeoutKill time.Duration
}

// Orchestrator wires every component C1-C6 into the C7 event sequence.
type Orchestrator struct {
	Rules    rules.Executor
	Nodes    *node.Manager
	DB       *db.Store
	Builtins *builtin.Registry
	Watch    WatchSuspender
	Metrics  *metrics.Metrics
	Config   Config
}

// Input is one uevent's worth of work for Handle.
type Input struct {
	Device       *device.Device
	PropsOverlay map[string]string
	TimeoutWarn  time.Duration
	TimeoutKill  time.Duration
}

// Handle runs the full event sequence for in.Device, returning only
// structural errors; per spec §7's principle ("never fail the whole
// event on a single non-structural error"), FormatError/RenameError/
// NodeError/DbIoError are logged and swallowed internally.
func (o *Orchestrator) Handle(ctx context.Context, in Input) error {
	dev := in.Device
	if dev.Subsystem == "" {
		return nil
	}
	for k, v := range in.PropsOverlay {
		dev.SetProperty(k, v)
	}

	warn, kill := o.timeouts(in)
	start := time.Now()

	var err error
	if dev.Action == device.ActionRemove {
		err = o.handleRemove(ctx, dev, warn, kill)
	} else {
		err = o.handleNonRemove(ctx, dev, warn, kill)
	}

	if o.Metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		o.Metrics.ObserveEvent(string(dev.Action), outcome, time.Since(start).Seconds())
	}
	return err
}

func (o *Orchestrator) timeouts(in Input) (time.Duration, time.Duration) {
	warn, kill := in.TimeoutWarn, in.TimeoutKill
	if warn == 0 {
		warn = o.Config.TimeoutWarn
	}
	if kill == 0 {
		kill = o.Config.TimeoutKill
	}
	return warn, kill
}

// handleRemove implements spec §4.3's remove path, steps 1-7.
func (o *Orchestrator) handleRemove(ctx context.Context, dev *device.Device, warn, kill time.Duration) error {
	// Step 1: load prior db record, populating properties.
	if rec, ok, err := o.DB.ReadDB(dev.Devpath); err != nil {
		logger.Warn("db read failed", "devpath", dev.Devpath, "error", err)
	} else if ok {
		for k, v := range rec.Properties {
			if _, has := dev.PropertyOK(k); !has {
				dev.SetProperty(k, v)
			}
		}
	}

	// Steps 2-3: drop tag index entries, delete the db file.
	if err := o.DB.DeleteDB(dev.Devpath); err != nil {
		logger.Warn("db delete failed", "devpath", dev.Devpath, "error", err)
	}

	// Step 4: suspend any active watch.
	if dev.Devnum.Major != 0 && o.Watch != nil {
		o.Watch.Suspend(dev)
	}

	// Step 5: apply rules.
	ec := eventctx.New(dev)
	if err := o.Rules.Apply(ctx, ec); err != nil {
		logger.Warn("rules apply failed, skipping remaining steps", "devpath", dev.Devpath, "error", err)
		return nil
	}

	// Step 6: node manager removal.
	if dev.Devnum.Major != 0 {
		if err := o.Nodes.NodeRemove(dev.Syspath, dev.Devnode, dev.Devlinks()); err != nil {
			logger.Warn("node remove failed", "devpath", dev.Devpath, "error", err)
		}
	}

	// Step 7: run-list.
	o.executeRunList(ctx, dev, ec, warn, kill)
	return nil
}

// handleNonRemove implements spec §4.3's non-remove path, steps 1-9.
func (o *Orchestrator) handleNonRemove(ctx context.Context, dev *device.Device, warn, kill time.Duration) error {
	// Step 1: clone device + prior db record into dev_db.
	rec, hadRec, err := o.DB.ReadDB(dev.Devpath)
	if err != nil {
		logger.Warn("db read failed", "devpath", dev.Devpath, "error", err)
	}

	ec := eventctx.New(dev)
	var devDB *device.Device
	if hadRec {
		devDB = db.LoadDevice(rec)
		ec.SetDevDB(devDB)
	}

	// Step 2: suspend watch on the db device view.
	if dev.Devnum.Major != 0 && hadRec && o.Watch != nil {
		o.Watch.Suspend(devDB)
	}

	// Step 3: for a property-only move, copy live properties into dev_db
	// so rules can compare old vs new. Absent dev_db is a no-op, not an
	// error (spec §9 open question).
	if dev.Devnum.Major == 0 && dev.Action == device.ActionMove && devDB != nil {
		devDB.CopyPropertiesFrom(dev)
	}

	// Step 4: apply rules.
	if err := o.Rules.Apply(ctx, ec); err != nil {
		logger.Warn("rules apply failed, skipping remaining steps", "devpath", dev.Devpath, "error", err)
		return nil
	}

	// Step 5: rename policy.
	if dev.Ifindex > 0 && dev.Action == device.ActionAdd && ec.NameSet() && ec.Name() != dev.Sysname {
		o.renameInterface(ctx, dev, ec)
	}

	// Step 6: node apply.
	if dev.Devnum.Major != 0 {
		o.applyNode(dev, devDB, ec)
	}

	// Step 7: preserve usec_initialized.
	usecInit := ec.Birth().UnixMicro()
	if hadRec && rec.UsecInitialized != 0 {
		usecInit = rec.UsecInitialized
	}

	// Step 8: rewrite tag index and db file.
	newRec := db.RecordFromDevice(dev, ec.LinkPriority(), tagsFor(dev, ec), usecInit)
	if err := o.DB.UpdateDB(dev.Devpath, newRec); err != nil {
		logger.Warn("db write failed", "devpath", dev.Devpath, "error", err)
	}

	// Step 9: run-list.
	o.executeRunList(ctx, dev, ec, warn, kill)
	return nil
}

// tagsFor combines any TAG+= accumulated on the event with the legacy
// TAGS property convention rule sets may also rely on.
func tagsFor(dev *device.Device, ec *eventctx.EventContext) []string {
	tags := append([]string(nil), ec.Tags()...)
	if raw := dev.Property("TAGS"); raw != "" {
		tags = append(tags, strings.Fields(raw)...)
	}
	return tags
}

func (o *Orchestrator) renameInterface(ctx context.Context, dev *device.Device, ec *eventctx.EventContext) {
	handle, err := ec.Rtnl()
	if err != nil {
		logger.Warn("failed to create rtnetlink handle", "devpath", dev.Devpath, "error", err)
		return
	}
	renamer := netif.NewRenamer(handle)
	newName := ec.Name()
	if err := renamer.Rename(dev.Ifindex, newName); err != nil {
		logger.Warn("interface rename failed, continuing unrenamed", "devpath", dev.Devpath, "name", newName, "error", err)
		return
	}
	oldSysname := dev.Sysname
	dev.Sysname = newName
	dev.Devpath = replaceLastComponent(dev.Devpath, newName)
	dev.Syspath = replaceLastComponent(dev.Syspath, newName)
	logger.Info("renamed interface", "old_name", oldSysname, "new_name", newName, "devpath", dev.Devpath)
}

func replaceLastComponent(path, newName string) string {
	trimmed := strings.TrimRight(path, "/")
	i := strings.LastIndexByte(trimmed, '/')
	if i < 0 {
		return newName
	}
	return trimmed[:i+1] + newName
}

// applyNode implements spec §4.3 non-remove step 6: stale-link cleanup,
// default ownership/mode computation, and the node-add call.
func (o *Orchestrator) applyNode(dev *device.Device, devDB *device.Device, ec *eventctx.EventContext) {
	var oldLinks []string
	if devDB != nil {
		oldLinks = devDB.Devlinks()
	}
	if err := o.Nodes.NodeUpdateOldLinks(dev.Syspath, oldLinks, dev.Devlinks()); err != nil {
		logger.Warn("stale link cleanup failed", "devpath", dev.Devpath, "error", err)
	}

	uid, uidSet := ec.UID()
	if !uidSet {
		uid = dev.DevnodeUID()
	}
	gid, gidSet := ec.GID()
	if !gidSet {
		gid = dev.DevnodeGID()
	}
	mode, modeSet := ec.Mode()
	if !modeSet {
		if km := dev.DevnodeMode(); km > 0 {
			mode = km
		} else if gid > 0 {
			mode = 0660
		} else {
			mode = 0600
		}
	}

	apply := dev.Action == device.ActionAdd || uidSet || gidSet || modeSet
	block := dev.Subsystem == "block"
	if err := o.Nodes.NodeAdd(dev.Syspath, dev.Devnode, block, dev.Devnum.Major, dev.Devnum.Minor, uid, gid, mode, dev.Devlinks(), ec.LinkPriority(), apply); err != nil {
		logger.Warn("node add failed", "devpath", dev.Devpath, "error", err)
		if o.Metrics != nil {
			o.Metrics.ObserveNodeOp("add", "error")
		}
		return
	}
	dev.InvalidateDevlinks()
	if o.Metrics != nil {
		o.Metrics.ObserveNodeOp("add", "ok")
	}
}

// executeRunList implements spec §4.4: FIFO dispatch to builtins or
// spawned external commands, each entry's failure isolated from the rest.
func (o *Orchestrator) executeRunList(ctx context.Context, dev *device.Device, ec *eventctx.EventContext, warn, kill time.Duration) {
	for _, entry := range ec.RunList() {
		dst := make([]byte, 4096)
		n := format.Expand(ec, entry.Template, dst, false)
		expanded := string(dst[:n])

		if entry.Builtin != eventctx.External {
			if o.Builtins == nil {
				logger.Warn("no builtin registry configured, skipping", "template", entry.Template)
				continue
			}
			code := o.Builtins.Run(ctx, entry.Builtin, dev, expanded, false)
			if code != 0 {
				logger.Warn("builtin run-list entry failed", "builtin", o.Builtins.Name(entry.Builtin), "code", code)
			}
			continue
		}

		if ec.ExecDelay() > 0 {
			time.Sleep(ec.ExecDelay())
		}

		job := spawn.Job{
			Cmdline:     expanded,
			HelperDir:   o.Config.HelperDir,
			TimeoutWarn: warn,
			TimeoutKill: kill,
			EventBirth:  ec.Birth(),
		}
		start := time.Now()
		_, err := spawn.Spawn(ctx, job, dev, nil)
		if o.Metrics != nil {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			o.Metrics.ObserveSpawn(outcome, time.Since(start).Seconds())
		}
		if err != nil {
			logger.Warn("run-list command failed", "cmd", expanded, "error", err)
		}
	}
}
