// Package node implements node_add/node_remove/node_update_old_links: the
// idempotent /dev device-node and symlink manager described in spec §4.5.
// Link ownership is tracked with a priority ledger one JSON file per claimed
// name under <state-dir>/links/, the same one-file-per-attribute sysfs
// write style internal/led/sysfs.go uses, guarded by a directory flock
// (spec §5 "protected by filesystem-level locks on the target directory").
package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/smazurov/devcore/internal/logging"
)

var logger = logging.GetLogger("node")

// Manager owns the /dev node and symlink ledger under a state directory.
type Manager struct {
	devRoot  string // defaults to /dev
	linksDir string // <state-dir>/links
}

// NewManager returns a Manager that claims symlinks under linksDir and
// creates nodes/links under devRoot (empty devRoot defaults to "/dev").
func NewManager(devRoot, linksDir string) *Manager {
	if devRoot == "" {
		devRoot = "/dev"
	}
	return &Manager{devRoot: devRoot, linksDir: linksDir}
}

// claim is the persisted ledger entry for one claimed devlink name,
// recording every syspath that currently wants it, ordered by priority.
type claim struct {
	Entries []claimEntry `json:"entries"`
}

type claimEntry struct {
	Syspath  string `json:"syspath"`
	Priority int    `json:"priority"`
	Target   string `json:"target,omitempty"`
}

// NodeAdd creates (or refreshes) devnode at devpath with the given
// ownership and mode, then (re-)creates every symlink in links pointing
// at it, updating the priority ledger so a later remove or a lower-
// priority competing claim resolves the same way every time it runs
// (spec §4.5 idempotence invariant). apply suppresses the chown/chmod
// step for an existing node on a non-add event unless the caller
// explicitly overrode ownership (spec §4.3 non-remove step 6). block
// selects the node type the kernel actually exposed this device as
// (block vs. character), since S_IFCHR is not correct for every
// subsystem (spec §4.5 "node_add must create the correct node type").
func (m *Manager) NodeAdd(syspath, devnode string, block bool, major, minor, uid, gid, mode int, links []string, priority int, apply bool) error {
	if devnode == "" {
		return nil
	}
	if err := m.makeNode(devnode, block, major, minor, uid, gid, mode, apply); err != nil {
		return fmt.Errorf("node: create %s: %w", devnode, err)
	}
	for _, link := range links {
		if err := m.claimLink(syspath, link, devnode, priority); err != nil {
			return fmt.Errorf("node: claim link %s: %w", link, err)
		}
	}
	return nil
}

// NodeRemove releases syspath's claim on every symlink in links (reassigning
// ownership to the next-highest-priority claimant, if any, and retargeting
// or removing the symlink to match), then removes devnode; whether another
// device still uses that path is not checked.
func (m *Manager) NodeRemove(syspath, devnode string, links []string) error {
	for _, link := range links {
		if err := m.releaseLink(syspath, link); err != nil {
			return fmt.Errorf("node: release link %s: %w", link, err)
		}
	}
	if devnode == "" {
		return nil
	}
	if err := os.Remove(devnode); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("node: remove %s: %w", devnode, err)
	}
	return nil
}

// NodeUpdateOldLinks re-resolves every link this syspath used to claim but
// no longer lists in currentLinks, releasing ownership exactly as
// NodeRemove would for a single link (spec §4.5 "stale symlink cleanup").
func (m *Manager) NodeUpdateOldLinks(syspath string, oldLinks, currentLinks []string) error {
	keep := make(map[string]bool, len(currentLinks))
	for _, l := range currentLinks {
		keep[l] = true
	}
	for _, old := range oldLinks {
		if keep[old] {
			continue
		}
		if err := m.releaseLink(syspath, old); err != nil {
			return fmt.Errorf("node: release stale link %s: %w", old, err)
		}
	}
	return nil
}

func (m *Manager) makeNode(devnode string, block bool, major, minor, uid, gid, mode int, apply bool) error {
	if err := os.MkdirAll(filepath.Dir(devnode), 0755); err != nil {
		return err
	}
	nodeType := uint32(unix.S_IFCHR)
	if block {
		nodeType = unix.S_IFBLK
	}
	dev := unix.Mkdev(uint32(major), uint32(minor))
	existed := true
	if err := unix.Mknod(devnode, nodeType|uint32(mode), int(dev)); err != nil {
		if !errors.Is(err, unix.EEXIST) {
			return err
		}
	} else {
		existed = false
	}
	if !apply && existed {
		return nil
	}
	if err := os.Chmod(devnode, os.FileMode(mode)); err != nil {
		return err
	}
	if err := os.Chown(devnode, uid, gid); err != nil {
		return err
	}
	return nil
}

// claimLink registers syspath's claim on link at the given priority, then
// (re)points the symlink at whichever claimant currently has the highest
// priority — which may not be the caller.
func (m *Manager) claimLink(syspath, link, target string, priority int) error {
	unlock, err := m.lockLinksDir()
	if err != nil {
		return err
	}
	defer unlock()

	c, err := m.readClaim(link)
	if err != nil {
		return err
	}
	c.upsert(syspath, target, priority)
	if err := m.writeClaim(link, c); err != nil {
		return err
	}
	return m.reconcileLink(link, target, syspath, c)
}

func (m *Manager) releaseLink(syspath, link string) error {
	unlock, err := m.lockLinksDir()
	if err != nil {
		return err
	}
	defer unlock()

	c, err := m.readClaim(link)
	if err != nil {
		return err
	}
	c.remove(syspath)

	if len(c.Entries) == 0 {
		if err := m.deleteClaim(link); err != nil {
			return err
		}
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	if err := m.writeClaim(link, c); err != nil {
		return err
	}
	// Repoint the link at the new winner's node. An entry without a
	// recorded target leaves the link as it is.
	next := c.Entries[0]
	if next.Target == "" {
		return nil
	}
	return m.reconcileLink(link, next.Target, next.Syspath, c)
}

// reconcileLink (re)points link at target only when syspath is the
// highest-priority claimant of that name; otherwise a higher-priority
// claimant already owns it and the existing symlink is left alone.
func (m *Manager) reconcileLink(link, target, syspath string, c *claim) error {
	winner := c.winner()
	if winner != "" && winner != syspath {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
		return err
	}
	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, link)
}

func (c *claim) upsert(syspath, target string, priority int) {
	for i, e := range c.Entries {
		if e.Syspath == syspath {
			c.Entries[i].Priority = priority
			c.Entries[i].Target = target
			c.sort()
			return
		}
	}
	c.Entries = append(c.Entries, claimEntry{Syspath: syspath, Priority: priority, Target: target})
	c.sort()
}

func (c *claim) remove(syspath string) {
	out := c.Entries[:0]
	for _, e := range c.Entries {
		if e.Syspath != syspath {
			out = append(out, e)
		}
	}
	c.Entries = out
}

func (c *claim) sort() {
	sort.SliceStable(c.Entries, func(i, j int) bool {
		return c.Entries[i].Priority > c.Entries[j].Priority
	})
}

// winner returns the highest-priority claimant's syspath, or "" if none.
func (c *claim) winner() string {
	if len(c.Entries) == 0 {
		return ""
	}
	return c.Entries[0].Syspath
}

// claimPath keys the ledger file by the full link path, not just its
// basename, so distinct paths that share a basename (e.g.
// /dev/disk/by-id/X and /dev/disk/by-uuid/X) get distinct ledgers.
func (m *Manager) claimPath(link string) string {
	key := strings.ReplaceAll(strings.TrimPrefix(link, string(filepath.Separator)), string(filepath.Separator), "_")
	return filepath.Join(m.linksDir, key+".json")
}

func (m *Manager) readClaim(link string) (*claim, error) {
	data, err := os.ReadFile(m.claimPath(link))
	if os.IsNotExist(err) {
		return &claim{}, nil
	}
	if err != nil {
		return nil, err
	}
	var c claim
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("node: decode ledger for %s: %w", link, err)
	}
	return &c, nil
}

func (m *Manager) writeClaim(link string, c *claim) error {
	if err := os.MkdirAll(m.linksDir, 0755); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(m.claimPath(link), data, 0644)
}

func (m *Manager) deleteClaim(link string) error {
	err := os.Remove(m.claimPath(link))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// lockLinksDir takes an exclusive flock on linksDir for the duration of one
// claim/release operation, serializing concurrent events racing for the
// same link name (spec §5 shared-resource contract).
func (m *Manager) lockLinksDir() (func(), error) {
	if err := os.MkdirAll(m.linksDir, 0755); err != nil {
		return nil, err
	}
	f, err := os.Open(m.linksDir)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			logger.Warn("failed to release links directory lock", "error", err)
		}
		f.Close()
	}, nil
}
