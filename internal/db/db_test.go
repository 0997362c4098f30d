package db

import (
	"path/filepath"
	"testing"

	"github.com/smazurov/devcore/internal/device"
)

func TestReadDBMissingIsNotAnError(t *testing.T) {
	s := NewStore(t.TempDir())
	rec, ok, err := s.ReadDB("/devices/virtual/block/sda")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || rec != nil {
		t.Errorf("expected no record on first sight, got %+v (ok=%v)", rec, ok)
	}
}

func TestUpdateThenReadRoundTrips(t *testing.T) {
	s := NewStore(t.TempDir())
	dev := device.New("/devices/virtual/block/sda", []string{"ID_BUS"}, map[string]string{"ID_BUS": "usb"})
	dev.Devpath = "/devices/virtual/block/sda"
	dev.Devnode = "/dev/sda"

	rec := RecordFromDevice(dev, 50, []string{"systemd"}, 0)
	if err := s.UpdateDB(dev.Devpath, rec); err != nil {
		t.Fatalf("UpdateDB: %v", err)
	}

	got, ok, err := s.ReadDB(dev.Devpath)
	if err != nil {
		t.Fatalf("ReadDB: %v", err)
	}
	if !ok {
		t.Fatal("expected a record after UpdateDB")
	}
	if got.Devnode != "/dev/sda" {
		t.Errorf("devnode = %q, want /dev/sda", got.Devnode)
	}
	if got.Properties["ID_BUS"] != "usb" {
		t.Errorf("property ID_BUS = %q, want usb", got.Properties["ID_BUS"])
	}
}

func TestSetIsInitializedOnlyStampsOnce(t *testing.T) {
	s := NewStore(t.TempDir())
	devpath := "/devices/virtual/block/sda"

	if err := s.SetIsInitialized(devpath); err != nil {
		t.Fatalf("SetIsInitialized: %v", err)
	}
	first, err := s.GetUsecInitialized(devpath)
	if err != nil {
		t.Fatalf("GetUsecInitialized: %v", err)
	}
	if first == 0 {
		t.Fatal("expected a nonzero initialization timestamp")
	}

	if err := s.SetIsInitialized(devpath); err != nil {
		t.Fatalf("second SetIsInitialized: %v", err)
	}
	second, err := s.GetUsecInitialized(devpath)
	if err != nil {
		t.Fatalf("GetUsecInitialized: %v", err)
	}
	if second != first {
		t.Errorf("usec_initialized changed on second call: %d -> %d", first, second)
	}
}

func TestTagIndexTracksDevice(t *testing.T) {
	s := NewStore(t.TempDir())
	devpath := "/devices/virtual/block/sda"
	rec := &Record{Devpath: devpath, Tags: []string{"systemd", "seat"}}
	if err := s.UpdateDB(devpath, rec); err != nil {
		t.Fatalf("UpdateDB: %v", err)
	}

	keys, err := s.DevicesWithTag("seat")
	if err != nil {
		t.Fatalf("DevicesWithTag: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected one tagged device, got %d", len(keys))
	}
	if keys[0] != keyFor(devpath) {
		t.Errorf("tag index key = %q, want %q", keys[0], keyFor(devpath))
	}

	rec.Tags = []string{"systemd"}
	if err := s.UpdateDB(devpath, rec); err != nil {
		t.Fatalf("UpdateDB (retag): %v", err)
	}
	keys, err = s.DevicesWithTag("seat")
	if err != nil {
		t.Fatalf("DevicesWithTag after retag: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected seat tag to be cleared, got %v", keys)
	}
}

func TestDeleteDBClearsRecordAndTags(t *testing.T) {
	s := NewStore(t.TempDir())
	devpath := "/devices/virtual/block/sda"
	rec := &Record{Devpath: devpath, Tags: []string{"systemd"}}
	if err := s.UpdateDB(devpath, rec); err != nil {
		t.Fatalf("UpdateDB: %v", err)
	}
	if err := s.DeleteDB(devpath); err != nil {
		t.Fatalf("DeleteDB: %v", err)
	}
	if _, ok, err := s.ReadDB(devpath); err != nil || ok {
		t.Errorf("expected no record after delete, ok=%v err=%v", ok, err)
	}
	keys, err := s.DevicesWithTag("systemd")
	if err != nil {
		t.Fatalf("DevicesWithTag: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected tag index cleared, got %v", keys)
	}
}

func TestRecordPathIsStableAcrossDeepPaths(t *testing.T) {
	s := NewStore(t.TempDir())
	p1 := s.recordPath("/devices/pci0000:00/0000:00:14.0/usb1/1-1")
	p2 := s.recordPath("/devices/pci0000:00/0000:00:14.0/usb1/1-1")
	if p1 != p2 {
		t.Errorf("recordPath not stable: %q != %q", p1, p2)
	}
	if filepath.Ext(p1) != ".toml" {
		t.Errorf("expected .toml extension, got %q", p1)
	}
}
