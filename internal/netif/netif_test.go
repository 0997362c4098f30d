//go:build linux && integration

package netif

import (
	"testing"

	"github.com/vishvananda/netlink"
)

// TestRenameDummyInterface is a manual test requiring CAP_NET_ADMIN. Run
// with: go test -tags=integration -v -run TestRenameDummyInterface
func TestRenameDummyInterface(t *testing.T) {
	dummy := &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "devcore-test0"}}
	if err := netlink.LinkAdd(dummy); err != nil {
		t.Skipf("cannot create dummy link (need CAP_NET_ADMIN): %v", err)
	}
	defer netlink.LinkDel(dummy)

	handle, err := netlink.NewHandle()
	if err != nil {
		t.Fatalf("NewHandle: %v", err)
	}
	defer handle.Close()

	link, err := netlink.LinkByName("devcore-test0")
	if err != nil {
		t.Fatalf("LinkByName: %v", err)
	}

	r := NewRenamer(handle)
	if err := r.Rename(link.Attrs().Index, "devcore-test1"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if _, err := netlink.LinkByName("devcore-test1"); err != nil {
		t.Errorf("renamed link not found: %v", err)
	}
}
