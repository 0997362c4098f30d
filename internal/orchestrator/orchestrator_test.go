package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/smazurov/devcore/internal/builtin"
	"github.com/smazurov/devcore/internal/db"
	"github.com/smazurov/devcore/internal/device"
	"github.com/smazurov/devcore/internal/eventctx"
	"github.com/smazurov/devcore/internal/node"
	"github.com/smazurov/devcore/internal/rules"
)

// declaresDiskByID is a fake rules.Executor standing in for the external
// rules engine: on add it declares one devlink, on remove it does
// nothing extra (spec §8 scenario 6).
type declaresDiskByID struct {
	link string
}

func (d declaresDiskByID) Apply(ctx context.Context, ec *eventctx.EventContext) error {
	if ec.Device().Action == device.ActionAdd {
		link := d.link
		ec.Device().WithDevlinksFunc(func() []string { return []string{link} })
	}
	return nil
}

func newOrchestrator(t *testing.T, root string) *Orchestrator {
	t.Helper()
	return &Orchestrator{
		Nodes:    node.NewManager(filepath.Join(root, "dev"), filepath.Join(root, "links")),
		DB:       db.NewStore(filepath.Join(root, "state")),
		Builtins: builtin.NewRegistry(nil, nil),
		Config:   Config{HelperDir: "/usr/lib/devcore"},
	}
}

func TestAddThenRemoveLifecycle(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root to create device nodes via mknod")
	}

	root := t.TempDir()
	devnode := filepath.Join(root, "dev", "sda")
	link := filepath.Join(root, "dev", "disk", "by-id", "X")

	dev := device.New("/devices/virtual/block/sda", nil, nil)
	dev.Subsystem = "block"
	dev.Sysname = "sda"
	dev.Devpath = "/devices/virtual/block/sda"
	dev.Devnode = devnode
	dev.Devnum = device.DevNum{Major: 8, Minor: 0}
	dev.Action = device.ActionAdd

	o := newOrchestrator(t, root)
	o.Rules = declaresDiskByID{link: link}

	if err := o.Handle(context.Background(), Input{Device: dev}); err != nil {
		t.Fatalf("Handle(add): %v", err)
	}

	if target, err := os.Readlink(link); err != nil {
		t.Fatalf("readlink after add: %v", err)
	} else if target != devnode {
		t.Errorf("link target = %q, want %q", target, devnode)
	}

	rec, ok, err := o.DB.ReadDB(dev.Devpath)
	if err != nil || !ok {
		t.Fatalf("expected a db record after add, ok=%v err=%v", ok, err)
	}
	if rec.Devnode != devnode {
		t.Errorf("persisted devnode = %q, want %q", rec.Devnode, devnode)
	}

	removeDev := device.New(dev.Syspath, nil, nil)
	removeDev.Subsystem = "block"
	removeDev.Sysname = "sda"
	removeDev.Devpath = dev.Devpath
	removeDev.Devnode = devnode
	removeDev.Devnum = dev.Devnum
	removeDev.Action = device.ActionRemove
	removeDev.WithDevlinksFunc(func() []string { return []string{link} })

	o.Rules = declaresDiskByID{link: link}
	if err := o.Handle(context.Background(), Input{Device: removeDev}); err != nil {
		t.Fatalf("Handle(remove): %v", err)
	}

	if _, err := os.Lstat(link); !os.IsNotExist(err) {
		t.Errorf("link should be gone after remove")
	}
	if _, ok, err := o.DB.ReadDB(dev.Devpath); err != nil || ok {
		t.Errorf("db record should be gone after remove, ok=%v err=%v", ok, err)
	}
}

func TestUnsetSubsystemIsANoOp(t *testing.T) {
	root := t.TempDir()
	o := newOrchestrator(t, root)
	o.Rules = rules.NoOp

	dev := device.New("/devices/virtual/x", nil, nil)
	dev.Action = device.ActionAdd

	if err := o.Handle(context.Background(), Input{Device: dev}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, ok, _ := o.DB.ReadDB(dev.Devpath); ok {
		t.Error("expected no db record for a device with no subsystem")
	}
}

func TestPropsOverlayAppliedBeforeRules(t *testing.T) {
	root := t.TempDir()
	o := newOrchestrator(t, root)

	var seen string
	o.Rules = rules.ExecutorFunc(func(ctx context.Context, ec *eventctx.EventContext) error {
		seen = ec.Device().Property("ID_FOO")
		return nil
	})

	dev := device.New("/devices/virtual/x", nil, nil)
	dev.Subsystem = "misc"
	dev.Action = device.ActionChange

	if err := o.Handle(context.Background(), Input{Device: dev, PropsOverlay: map[string]string{"ID_FOO": "bar"}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if seen != "bar" {
		t.Errorf("overlay property not visible to rules executor, got %q", seen)
	}
}
