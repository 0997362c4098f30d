// Package db persists per-device state across events: the devlink/priority
// and property-map snapshot a device carried the last time it was seen,
// plus the tag index rule sets search by (spec §6). Records are
// TOML-encoded, one file per device keyed by a stable id derived from its
// devpath, the same encoding internal/config uses for its own file format.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/devcore/internal/device"
	"github.com/smazurov/devcore/internal/logging"
)

// keyNamespace scopes the deterministic per-devpath id so it can never
// collide with a uuid minted for an unrelated purpose elsewhere.
var keyNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

var logger = logging.GetLogger("db")

// Store is the on-disk db + tag index rooted at a state directory.
type Store struct {
	dbDir  string // <state-dir>/db
	tagDir string // <state-dir>/tags
}

func NewStore(stateDir string) *Store {
	return &Store{
		dbDir:  filepath.Join(stateDir, "db"),
		tagDir: filepath.Join(stateDir, "tags"),
	}
}

// Record is the persisted snapshot of a device (spec §6 "db record").
type Record struct {
	Devpath         string            `toml:"devpath"`
	Devnode         string            `toml:"devnode,omitempty"`
	Devlinks        []string          `toml:"devlinks,omitempty"`
	LinkPriority    int               `toml:"link_priority"`
	Properties      map[string]string `toml:"properties,omitempty"`
	PropertyOrder   []string          `toml:"property_order,omitempty"`
	Tags            []string          `toml:"tags,omitempty"`
	UsecInitialized int64             `toml:"usec_initialized,omitempty"`
}

// keyFor derives a filesystem-safe, fixed-length db key from devpath
// using a deterministic (not random) uuid, so paths with '/' don't need
// escaping and every record has a stable name regardless of how deep the
// devpath is. The same key names the device's marker file under each tag
// directory of the tag index.
func keyFor(devpath string) string {
	return uuid.NewSHA1(keyNamespace, []byte(devpath)).String()
}

func (s *Store) recordPath(devpath string) string {
	return filepath.Join(s.dbDir, keyFor(devpath)+".toml")
}

// ReadDB loads the persisted record for devpath, or (nil, false) if this
// device has never been seen before (spec §6 "first sight").
func (s *Store) ReadDB(devpath string) (*Record, bool, error) {
	data, err := os.ReadFile(s.recordPath(devpath))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("db: read %s: %w", devpath, err)
	}
	var rec Record
	if err := toml.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("db: decode %s: %w", devpath, err)
	}
	return &rec, true, nil
}

// UpdateDB overwrites the persisted record for devpath, updating the tag
// index to match rec.Tags.
func (s *Store) UpdateDB(devpath string, rec *Record) error {
	if err := os.MkdirAll(s.dbDir, 0755); err != nil {
		return err
	}
	data, err := toml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("db: encode %s: %w", devpath, err)
	}
	// Reindex before the write: reindexTags diffs against the tags of the
	// record still on disk.
	if err := s.reindexTags(devpath, rec.Tags); err != nil {
		return err
	}
	if err := os.WriteFile(s.recordPath(devpath), data, 0644); err != nil {
		return fmt.Errorf("db: write %s: %w", devpath, err)
	}
	return nil
}

// DeleteDB removes the persisted record and all tag-index entries for
// devpath (spec §6, orchestrator remove path steps 2-3).
func (s *Store) DeleteDB(devpath string) error {
	if err := s.reindexTags(devpath, nil); err != nil {
		return err
	}
	err := os.Remove(s.recordPath(devpath))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SetIsInitialized stamps usec_initialized on the persisted record with
// the current time, marking the device as having completed its first
// successful rule run (spec §6 "is_initialized").
func (s *Store) SetIsInitialized(devpath string) error {
	rec, ok, err := s.ReadDB(devpath)
	if err != nil {
		return err
	}
	if !ok {
		rec = &Record{Devpath: devpath}
	}
	if rec.UsecInitialized != 0 {
		return nil
	}
	rec.UsecInitialized = time.Now().UnixMicro()
	return s.UpdateDB(devpath, rec)
}

// GetUsecInitialized returns the stamped initialization time, or 0 if the
// device has no record or was never marked initialized.
func (s *Store) GetUsecInitialized(devpath string) (int64, error) {
	rec, ok, err := s.ReadDB(devpath)
	if err != nil || !ok {
		return 0, err
	}
	return rec.UsecInitialized, nil
}

// tagDirFor returns <tag-dir>/<tag>/, the directory-of-empty-files index
// scheme spec §6 describes ("a device is tagged with X" <=> a file named
// after the device's key exists under that tag's directory).
func (s *Store) tagDirFor(tag string) string {
	return filepath.Join(s.tagDir, sanitizeTagComponent(tag))
}

func sanitizeTagComponent(tag string) string {
	return strings.ReplaceAll(tag, "/", "_")
}

// reindexTags makes the tag index agree with wantTags for devpath,
// creating/removing marker files as needed.
func (s *Store) reindexTags(devpath string, wantTags []string) error {
	key := keyFor(devpath)
	want := make(map[string]bool, len(wantTags))
	for _, t := range wantTags {
		want[t] = true
	}

	existing, err := s.tagsFor(devpath)
	if err != nil {
		return err
	}
	for _, t := range existing {
		if want[t] {
			continue
		}
		path := filepath.Join(s.tagDirFor(t), key)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("db: remove tag marker %s: %w", path, err)
		}
	}
	for t := range want {
		dir := s.tagDirFor(t)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, key), nil, 0644); err != nil {
			return fmt.Errorf("db: write tag marker %s/%s: %w", dir, key, err)
		}
	}
	return nil
}

// tagsFor returns every tag currently indexed for devpath, reconstructed
// from the persisted record rather than scanning every tag directory.
func (s *Store) tagsFor(devpath string) ([]string, error) {
	rec, ok, err := s.ReadDB(devpath)
	if err != nil || !ok {
		return nil, err
	}
	return rec.Tags, nil
}

// DevicesWithTag lists every devpath key currently marked with tag. The
// caller must map keys back to devices through its own in-memory index;
// the db only knows keys, not the live syspath->devpath mapping.
func (s *Store) DevicesWithTag(tag string) ([]string, error) {
	entries, err := os.ReadDir(s.tagDirFor(tag))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db: list tag %s: %w", tag, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Name())
	}
	return keys, nil
}

// RecordFromDevice builds a Record snapshot from the live device, ready
// to hand to UpdateDB.
func RecordFromDevice(dev *device.Device, priority int, tags []string, usecInitialized int64) *Record {
	return &Record{
		Devpath:         dev.Devpath,
		Devnode:         dev.Devnode,
		Devlinks:        dev.Devlinks(),
		LinkPriority:    priority,
		Properties:      propsMap(dev),
		PropertyOrder:   dev.Properties(),
		Tags:            tags,
		UsecInitialized: usecInitialized,
	}
}

func propsMap(dev *device.Device) map[string]string {
	out := make(map[string]string, len(dev.Properties()))
	for _, name := range dev.Properties() {
		out[name] = dev.Property(name)
	}
	return out
}

// LoadDevice reconstructs a *device.Device from a persisted Record, for
// use as the dev_db snapshot an EventContext is seeded with (spec §3).
// The reconstructed device's sysattrs are backed by its cached property
// map rather than a live /sys tree, since the kernel state at the time
// of the original event may no longer be current.
func LoadDevice(rec *Record) *device.Device {
	dev := device.New(rec.Devpath, rec.PropertyOrder, rec.Properties)
	dev.Devpath = rec.Devpath
	dev.Devnode = rec.Devnode
	dev.WithSysattrs(device.MapSysattrs(rec.Properties))
	links := append([]string(nil), rec.Devlinks...)
	dev.WithDevlinksFunc(func() []string { return links })
	return dev
}
