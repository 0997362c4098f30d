package node

import (
	"os"
	"path/filepath"
	"testing"
)

func TestClaimLinkThenReleaseRemovesLink(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(filepath.Join(dir, "dev"), filepath.Join(dir, "links"))

	link := filepath.Join(dir, "dev", "disk", "by-id", "foo")
	if err := m.claimLink("/devices/virtual/a", link, "/dev/sda", 0); err != nil {
		t.Fatalf("claimLink: %v", err)
	}
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "/dev/sda" {
		t.Errorf("target = %q, want /dev/sda", target)
	}

	if err := m.releaseLink("/devices/virtual/a", link); err != nil {
		t.Fatalf("releaseLink: %v", err)
	}
	if _, err := os.Lstat(link); !os.IsNotExist(err) {
		t.Errorf("link still exists after sole claimant released")
	}
}

func TestHigherPriorityClaimWins(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(filepath.Join(dir, "dev"), filepath.Join(dir, "links"))
	link := filepath.Join(dir, "dev", "disk", "by-id", "foo")

	if err := m.claimLink("/devices/virtual/low", link, "/dev/sdb", 0); err != nil {
		t.Fatalf("claimLink low: %v", err)
	}
	if err := m.claimLink("/devices/virtual/high", link, "/dev/sda", 10); err != nil {
		t.Fatalf("claimLink high: %v", err)
	}

	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if target != "/dev/sda" {
		t.Errorf("target = %q, want /dev/sda (higher priority)", target)
	}

	c, err := m.readClaim(link)
	if err != nil {
		t.Fatalf("readClaim: %v", err)
	}
	if w := c.winner(); w != "/devices/virtual/high" {
		t.Errorf("winner = %q, want high-priority claimant", w)
	}
}

func TestUpdateOldLinksReleasesOnlyStaleOnes(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(filepath.Join(dir, "dev"), filepath.Join(dir, "links"))
	keep := filepath.Join(dir, "dev", "keep")
	stale := filepath.Join(dir, "dev", "stale")

	if err := m.claimLink("/devices/virtual/a", keep, "/dev/sda", 0); err != nil {
		t.Fatalf("claim keep: %v", err)
	}
	if err := m.claimLink("/devices/virtual/a", stale, "/dev/sda", 0); err != nil {
		t.Fatalf("claim stale: %v", err)
	}

	if err := m.NodeUpdateOldLinks("/devices/virtual/a", []string{keep, stale}, []string{keep}); err != nil {
		t.Fatalf("NodeUpdateOldLinks: %v", err)
	}

	if _, err := os.Lstat(keep); err != nil {
		t.Errorf("kept link should still exist: %v", err)
	}
	if _, err := os.Lstat(stale); !os.IsNotExist(err) {
		t.Errorf("stale link should have been removed")
	}
}
