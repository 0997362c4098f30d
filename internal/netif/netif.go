// Package netif renames network interfaces via rtnetlink, the Go
// equivalent of rename_netif in udev-event.c. It is grounded on
// vishvananda/netlink's SETLINK support, the rtnetlink library present in
// the retrieval pack's DataDog-datadog-agent go.mod.
package netif

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/smazurov/devcore/internal/logging"
)

var logger = logging.GetLogger("netif")

// ErrBusy is returned when the kernel refuses a rename because the
// interface is up or the name is already taken, after exhausting retries
// (spec §4.6 "retry the rename a bounded number of times").
var ErrBusy = errors.New("netif: interface busy, rename did not stick")

const (
	maxRenameAttempts = 20
	retryDelay        = 50 * time.Millisecond
)

// Renamer renames a network interface identified by ifindex to newName,
// retrying briefly on EBUSY/EEXIST the way rename_netif does when racing
// another process for the name (e.g. a sibling interface mid-rename to
// free up the name this device wants).
type Renamer struct {
	handle *netlink.Handle
}

func NewRenamer(handle *netlink.Handle) *Renamer {
	return &Renamer{handle: handle}
}

// Rename sets the interface at ifindex's name to newName. It is a no-op
// if the interface already has that name (spec §4.6 idempotence).
func (r *Renamer) Rename(ifindex int, newName string) error {
	link, err := r.handle.LinkByIndex(ifindex)
	if err != nil {
		return fmt.Errorf("netif: lookup ifindex %d: %w", ifindex, err)
	}
	if link.Attrs().Name == newName {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < maxRenameAttempts; attempt++ {
		err := r.handle.LinkSetName(link, newName)
		if err == nil {
			logger.Info("renamed interface", "ifindex", ifindex, "name", newName)
			return nil
		}
		if !errors.Is(err, syscall.EBUSY) && !errors.Is(err, syscall.EEXIST) {
			return fmt.Errorf("netif: rename ifindex %d -> %q: %w", ifindex, newName, err)
		}
		lastErr = err
		logger.Debug("rename attempt failed, retrying", "ifindex", ifindex, "name", newName, "attempt", attempt, "error", err)
		time.Sleep(retryDelay)
	}
	return fmt.Errorf("%w: ifindex %d -> %q: %v", ErrBusy, ifindex, newName, lastErr)
}
