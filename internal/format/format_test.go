package format

import (
	"testing"

	"github.com/smazurov/devcore/internal/device"
)

type fakeCtx struct {
	dev           *device.Device
	parent        *device.Device
	programResult string
	name          string
}

func (f *fakeCtx) Device() *device.Device { return f.dev }
func (f *fakeCtx) ParentDevice() *device.Device { return f.parent }
func (f *fakeCtx) ProgramResult() string { return f.programResult }
func (f *fakeCtx) Name() string { return f.name }
func (f *fakeCtx) SysRoot() string { return "/sys" }

func newDev(sysname string) *device.Device {
	d := device.New("/devices/virtual/x", nil, nil)
	d.Sysname = sysname
	return d
}

func expandAll(t *testing.T, ctx Context, src string) string {
	t.Helper()
	dst := make([]byte, 4096)
	n := Expand(ctx, src, dst, false)
	return string(dst[:n])
}

func TestResultParts(t *testing.T) {
	ctx := &fakeCtx{dev: newDev("sda"), programResult: "alpha beta  gamma delta"}
	got := expandAll(t, ctx, "%c{2} %c{3+}")
	want := "beta gamma delta"
	if got != want {
		t.Errorf("expand = %q, want %q", got, want)
	}
}

func TestResultOutOfRange(t *testing.T) {
	ctx := &fakeCtx{dev: newDev("sda"), programResult: "alpha"}
	got := expandAll(t, ctx, "%c{5}")
	if got != "" {
		t.Errorf("expand = %q, want empty", got)
	}
}

func TestAttrSanitize(t *testing.T) {
	dev := newDev("sda")
	dev = dev.WithSysattrs(device.MapSysattrs{"model": "Samsung SSD 840\n"})
	ctx := &fakeCtx{dev: dev}
	dst := make([]byte, 4096)
	n := Expand(ctx, "$attr{model}", dst, true)
	got := string(dst[:n])
	want := "Samsung_SSD_840"
	if got != want {
		t.Errorf("expand = %q, want %q", got, want)
	}
}

func TestOverflowTruncatesAndTerminates(t *testing.T) {
	dev := newDev("sda1")
	dev.Sysname = "sda1"
	ctx := &fakeCtx{dev: dev}
	dst := make([]byte, 3)
	n := Expand(ctx, "$kernel", dst, false)
	if n != 2 {
		t.Fatalf("n = %d, want 2", n)
	}
	if string(dst) != "sd\x00" {
		t.Errorf("dst = %q, want %q", dst, "sd\x00")
	}
}

func TestDollarDollarAndPercentPercent(t *testing.T) {
	ctx := &fakeCtx{dev: newDev("sda")}
	got := expandAll(t, ctx, "$$ %% $$100")
	want := "$ % $100"
	if got != want {
		t.Errorf("expand = %q, want %q", got, want)
	}
}

func TestUnknownTokenLoggedAndSkipped(t *testing.T) {
	ctx := &fakeCtx{dev: newDev("sda")}
	got := expandAll(t, ctx, "prefix-$bogus-suffix")
	want := "prefix--suffix"
	if got != want {
		t.Errorf("expand = %q, want %q", got, want)
	}
}

func TestShortAndLongFormsMatch(t *testing.T) {
	dev := newDev("sda")
	dev.Devpath = "/devices/pci0000:00/block/sda"
	ctx := &fakeCtx{dev: dev}
	long := expandAll(t, ctx, "$devpath")
	short := expandAll(t, ctx, "%p")
	if long != short {
		t.Errorf("long form %q != short form %q", long, short)
	}
}

func TestNameFallsBackToDevnodeThenSysname(t *testing.T) {
	dev := newDev("sda")
	dev.Sysname = "sda"
	ctx := &fakeCtx{dev: dev}
	if got := expandAll(t, ctx, "$name"); got != "sda" {
		t.Errorf("name fallback to sysname = %q, want sda", got)
	}

	dev.Devnode = "/dev/sda"
	if got := expandAll(t, ctx, "$name"); got != "sda" {
		t.Errorf("name fallback to devnode = %q, want sda", got)
	}

	ctx.name = "eth0"
	if got := expandAll(t, ctx, "$name"); got != "eth0" {
		t.Errorf("name from event = %q, want eth0", got)
	}
}

func TestMissingClosingBraceAbortsExpansion(t *testing.T) {
	ctx := &fakeCtx{dev: newDev("sda")}
	dst := make([]byte, 64)
	n := Expand(ctx, "before-$attr{unterminated", dst, false)
	got := string(dst[:n])
	if got != "before-" {
		t.Errorf("expand = %q, want %q", got, "before-")
	}
}

func TestMissingClosingBraceIsNulTerminated(t *testing.T) {
	ctx := &fakeCtx{dev: newDev("sda")}
	dst := make([]byte, 64)
	n := Expand(ctx, "x$attr{nope", dst, false)
	if dst[n] != 0 {
		t.Errorf("dst[%d] = %d, want 0", n, dst[n])
	}
}
