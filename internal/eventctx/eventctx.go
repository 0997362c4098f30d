// Package eventctx owns the per-event mutable state the rule executor
// populates and the orchestrator later drains: EventContext from spec §3.
package eventctx

import (
	"time"

	"github.com/smazurov/devcore/internal/device"
	"github.com/vishvananda/netlink"
)

// RunEntry is one run_list entry: an unexpanded command template paired
// with either a builtin tag (>= 0) or External (-1), matching the
// "tagged choice" Design Notes §9 calls for instead of a process-wide
// builtin registry singleton.
type RunEntry struct {
	Template string
	Builtin  int // -1 means External
}

const External = -1

// EventContext is the per-uevent scratch state the rule executor
// mutates and the orchestrator and run-list executor later consume. It
// is not safe for concurrent use — one EventContext belongs to exactly
// one in-flight event (§5 "one in-flight event per devpath").
type EventContext struct {
	dev       *device.Device
	devDB     *device.Device // prior persisted snapshot, nil if none
	devParent *device.Device // cached on first rule match needing it

	birth time.Time

	name string

	mode    int
	modeSet bool
	uid     int
	uidSet  bool
	gid     int
	gidSet  bool

	seclabels map[string]string

	runList []RunEntry

	programResult string
	execDelay     time.Duration

	linkPriority int
	tags         []string

	rtnl *netlink.Handle
}

// New creates an EventContext for dev, stamping birth from the monotonic
// clock (spec §3 birth_usec).
func New(dev *device.Device) *EventContext {
	return &EventContext{
		dev:       dev,
		birth:     time.Now(),
		seclabels: make(map[string]string),
	}
}

func (c *EventContext) Device() *device.Device { return c.dev }

// DevDB returns the prior persisted snapshot, or nil on first sight.
func (c *EventContext) DevDB() *device.Device { return c.devDB }

// SetDevDB installs the clone-with-db snapshot (orchestrator non-remove
// path step 1).
func (c *EventContext) SetDevDB(d *device.Device) { c.devDB = d }

// ParentDevice returns the cached dev_parent, resolving and caching it
// from the live device's registry on first use.
func (c *EventContext) ParentDevice() *device.Device {
	if c.devParent != nil {
		return c.devParent
	}
	c.devParent = c.dev.Parent()
	return c.devParent
}

// SetParentDevice caches dev_parent once a rule match needs it, per
// spec §3 ("dev_parent: parent device cached on first rule match").
func (c *EventContext) SetParentDevice(d *device.Device) { c.devParent = d }

func (c *EventContext) Birth() time.Time { return c.birth }

func (c *EventContext) Name() string { return c.name }
func (c *EventContext) SetName(n string) { c.name = n }
func (c *EventContext) NameSet() bool { return c.name != "" }

// Mode/Uid/Gid are meaningful only when their *Set flag is true (spec §3
// invariant).
func (c *EventContext) Mode() (int, bool) { return c.mode, c.modeSet }
func (c *EventContext) SetMode(m int) { c.mode = m; c.modeSet = true }

func (c *EventContext) UID() (int, bool) { return c.uid, c.uidSet }
func (c *EventContext) SetUID(u int) { c.uid = u; c.uidSet = true }

func (c *EventContext) GID() (int, bool) { return c.gid, c.gidSet }
func (c *EventContext) SetGID(g int) { c.gid = g; c.gidSet = true }

// Seclabels returns the label-name -> label-value map. Callers may read
// freely; mutate only through SetSeclabel.
func (c *EventContext) Seclabels() map[string]string { return c.seclabels }

func (c *EventContext) SetSeclabel(name, value string) {
	c.seclabels[name] = value
}

// RunList returns the run_list in FIFO insertion order.
func (c *EventContext) RunList() []RunEntry {
	return c.runList
}

// AddRun appends a run_list entry, or updates it in place if the same
// template was already queued — matching the hashmap-keyed-by-cmd
// semantics of the original while preserving spec's documented FIFO
// ordering (insertion position of the first occurrence wins).
func (c *EventContext) AddRun(template string, builtin int) {
	for i, e := range c.runList {
		if e.Template == template {
			c.runList[i].Builtin = builtin
			return
		}
	}
	c.runList = append(c.runList, RunEntry{Template: template, Builtin: builtin})
}

func (c *EventContext) ProgramResult() string { return c.programResult }
func (c *EventContext) SetProgramResult(result string) { c.programResult = result }

func (c *EventContext) ExecDelay() time.Duration { return c.execDelay }
func (c *EventContext) SetExecDelay(d time.Duration) { c.execDelay = d }

// LinkPriority is the OPTIONS{link_priority} value a rule may set,
// consumed by the node manager to break ties between devices claiming
// the same symlink name (spec §4.5).
func (c *EventContext) LinkPriority() int { return c.linkPriority }
func (c *EventContext) SetLinkPriority(p int) { c.linkPriority = p }

// Tags is the TAG+= set a rule may accumulate, persisted to the tag
// index by the orchestrator (spec §6 "Tag index").
func (c *EventContext) Tags() []string { return c.tags }
func (c *EventContext) AddTag(tag string) {
	for _, t := range c.tags {
		if t == tag {
			return
		}
	}
	c.tags = append(c.tags, tag)
}

// SysRoot is fixed at "/sys" for live events; tests inject alternate
// roots through the format.Context they construct directly instead.
func (c *EventContext) SysRoot() string { return "/sys" }

// Rtnl lazily creates (and caches) the rtnetlink handle used to rename
// network interfaces, reused for the lifetime of one event (spec §4.6,
// §9 "pass the handle by reference on EventContext").
func (c *EventContext) Rtnl() (*netlink.Handle, error) {
	if c.rtnl != nil {
		return c.rtnl, nil
	}
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, err
	}
	c.rtnl = h
	return h, nil
}

// Close releases the rtnetlink handle, if one was created.
func (c *EventContext) Close() {
	if c.rtnl != nil {
		c.rtnl.Close()
		c.rtnl = nil
	}
}
