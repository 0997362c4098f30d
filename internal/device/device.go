// Package device models the kernel device record the core reasons about:
// the read-only accessor surface described by the uevent (syspath,
// subsystem, devnode, properties, sysattrs) plus the handful of derived
// values (sysnum, devlinks) rule evaluation and formatting consume.
package device

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Action is the uevent action literal.
type Action string

const (
	ActionAdd     Action = "add"
	ActionRemove  Action = "remove"
	ActionChange  Action = "change"
	ActionMove    Action = "move"
	ActionOnline  Action = "online"
	ActionOffline Action = "offline"
	ActionBind    Action = "bind"
	ActionUnbind  Action = "unbind"
)

// DevNum is the kernel major/minor pair. Zero major means "no device node".
type DevNum struct {
	Major int
	Minor int
}

// SysattrReader resolves a sysfs attribute by name for a device. Devices
// backed by a live /sys tree implement this against the filesystem;
// devices reconstructed from a persisted db record implement it against
// the cached property map instead (see db.LoadDevice).
type SysattrReader interface {
	SysattrRead(name string) (string, bool)
}

// Device is the read-only record the core resolves rules against. It is
// intentionally a value-ish struct: mutation happens only through the
// EventContext the orchestrator owns, never on the Device itself, except
// for the narrow rename update described in spec §4.3 step 5.
type Device struct {
	Syspath   string
	Subsystem string
	Devnode   string // empty means "no device node"
	Sysname   string
	Devpath   string
	Devnum    DevNum
	Ifindex   int // 0 means "not a network interface"
	Driver    string
	Action    Action

	// KernelMode/KernelUid/KernelGid are the optional kernel-supplied
	// node permissions carried on the uevent itself (DEVMODE/DEVUID/DEVGID).
	// A nil pointer means the kernel did not supply one.
	KernelMode *int
	KernelUid  *int
	KernelGid  *int

	properties map[string]string
	propOrder  []string
	sysattrs   SysattrReader

	parentSyspath string
	registry      *Registry

	mu       sync.Mutex
	devlinks []string // lazily populated; see Devlinks()
	devlinksFn func() []string
}

// New constructs a Device. propertyMap is copied and insertion order
// preserved (property_map is an ordered map per spec §3).
func New(syspath string, order []string, properties map[string]string) *Device {
	d := &Device{
		Syspath:    syspath,
		properties: make(map[string]string, len(properties)),
		propOrder:  append([]string(nil), order...),
	}
	for k, v := range properties {
		d.properties[k] = v
	}
	return d
}

// WithRegistry attaches the lookup table used to resolve Parent() by
// syspath, avoiding an ownership cycle between a device and its parent.
func (d *Device) WithRegistry(reg *Registry, parentSyspath string) *Device {
	d.registry = reg
	d.parentSyspath = parentSyspath
	return d
}

// WithSysattrs attaches the sysattr accessor (filesystem-backed in
// production, map-backed in tests and when replaying from the db).
func (d *Device) WithSysattrs(r SysattrReader) *Device {
	d.sysattrs = r
	return d
}

// WithDevlinksFunc installs a lazy devlink resolver; see Devlinks().
func (d *Device) WithDevlinksFunc(fn func() []string) *Device {
	d.devlinksFn = fn
	return d
}

// Property returns a property_map entry, or "" if absent.
func (d *Device) Property(name string) string {
	return d.properties[name]
}

// PropertyOK returns a property_map entry and whether it was present.
func (d *Device) PropertyOK(name string) (string, bool) {
	v, ok := d.properties[name]
	return v, ok
}

// Properties returns the property map in insertion order. The returned
// slice must not be mutated.
func (d *Device) Properties() []string {
	return d.propOrder
}

// SetProperty inserts or overwrites a property, preserving first-insertion
// order (used by the rule executor's property-assignment effects and by
// the orchestrator's "move" old-property copy, spec §4.3 step 3).
func (d *Device) SetProperty(name, value string) {
	if _, ok := d.properties[name]; !ok {
		d.propOrder = append(d.propOrder, name)
	}
	d.properties[name] = value
}

// CopyPropertiesFrom overlays src's properties onto d without clobbering
// keys d already has a value for ("compare old vs new", spec §4.3 step 3).
func (d *Device) CopyPropertiesFrom(src *Device) {
	if src == nil {
		return
	}
	for _, name := range src.propOrder {
		if _, ok := d.properties[name]; ok {
			continue
		}
		d.SetProperty(name, src.properties[name])
	}
}

// Sysnum returns the trailing decimal digits of Sysname, if any (e.g.
// "sda1" -> "1"). Returns "" when Sysname has no numeric suffix.
func (d *Device) Sysnum() string {
	i := len(d.Sysname)
	for i > 0 && d.Sysname[i-1] >= '0' && d.Sysname[i-1] <= '9' {
		i--
	}
	if i == len(d.Sysname) {
		return ""
	}
	return d.Sysname[i:]
}

// SysattrRead resolves a sysfs attribute, falling back to nothing if no
// reader is attached (e.g. a synthetic device in a unit test).
func (d *Device) SysattrRead(name string) (string, bool) {
	if d.sysattrs == nil {
		return "", false
	}
	return d.sysattrs.SysattrRead(name)
}

// Parent resolves the parent device through the registry, or nil if this
// device has none or isn't registered. Avoids a direct pointer cycle
// between device and parent (see Design Notes: devices are values keyed
// by syspath, parent is a key resolved on demand).
func (d *Device) Parent() *Device {
	if d.registry == nil || d.parentSyspath == "" {
		return nil
	}
	return d.registry.Get(d.parentSyspath)
}

// Devlinks returns every /dev/... symlink path this device is known to
// claim, computed lazily (walking the node manager's ledger is not free).
func (d *Device) Devlinks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.devlinks != nil {
		return d.devlinks
	}
	if d.devlinksFn != nil {
		links := d.devlinksFn()
		sort.Strings(links)
		d.devlinks = links
	} else {
		d.devlinks = []string{}
	}
	return d.devlinks
}

// InvalidateDevlinks forces the next Devlinks() call to recompute; used
// after the node manager adds or drops a link for this device.
func (d *Device) InvalidateDevlinks() {
	d.mu.Lock()
	d.devlinks = nil
	d.mu.Unlock()
}

// DevnodeUID/DevnodeGID/DevnodeMode surface the kernel-supplied node
// ownership carried on the uevent, defaulting to 0/0/0 when absent —
// matching udev_device_get_devnode_{uid,gid,mode} in the original source.
func (d *Device) DevnodeUID() int {
	if d.KernelUid != nil {
		return *d.KernelUid
	}
	return 0
}

func (d *Device) DevnodeGID() int {
	if d.KernelGid != nil {
		return *d.KernelGid
	}
	return 0
}

func (d *Device) DevnodeMode() int {
	if d.KernelMode != nil {
		return *d.KernelMode
	}
	return 0
}

// String renders a short identity for logging.
func (d *Device) String() string {
	return fmt.Sprintf("%s[%s]", d.Syspath, d.Action)
}

// ParseDevnum parses a "major:minor" pair as found in uevent MAJOR/MINOR
// fields.
func ParseDevnum(major, minor string) (DevNum, error) {
	maj, err := strconv.Atoi(strings.TrimSpace(major))
	if err != nil {
		return DevNum{}, fmt.Errorf("parse major %q: %w", major, err)
	}
	min, err := strconv.Atoi(strings.TrimSpace(minor))
	if err != nil {
		return DevNum{}, fmt.Errorf("parse minor %q: %w", minor, err)
	}
	return DevNum{Major: maj, Minor: min}, nil
}

// Registry is the syspath-keyed lookup table that lets devices reference
// their parent without an ownership cycle.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

func (r *Registry) Put(d *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.Syspath] = d
}

func (r *Registry) Get(syspath string) *Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[syspath]
}

func (r *Registry) Delete(syspath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, syspath)
}
