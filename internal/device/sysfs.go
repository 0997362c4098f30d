package device

import (
	"os"
	"path/filepath"
	"strings"
)

// FsSysattrs reads sysfs attributes directly from the device's syspath
// under /sys, the same one-file-per-attribute layout internal/led/sysfs.go
// uses for LED brightness/trigger files.
type FsSysattrs struct {
	Syspath string
	SysRoot string // defaults to "/sys" when empty
}

func (f FsSysattrs) root() string {
	if f.SysRoot != "" {
		return f.SysRoot
	}
	return "/sys"
}

// SysattrRead reads <syspath>/<name>, trimming the trailing newlines
// sysfs attribute files are conventionally written with. It does not
// further sanitize the value — that is the formatter's job (spec §4.1).
func (f FsSysattrs) SysattrRead(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	path := filepath.Join(f.root(), strings.TrimPrefix(f.Syspath, "/sys/"), name)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return strings.TrimRight(string(data), "\n"), true
}

// MapSysattrs backs SysattrRead with an in-memory map, used by tests and
// when replaying a device reconstructed from a persisted db record where
// /sys may no longer reflect the state at the time of the event.
type MapSysattrs map[string]string

func (m MapSysattrs) SysattrRead(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// ResolveSubsysKernel resolves udev's "[subsystem/kernel]attribute" attr
// shorthand (used by $attr/$sysfs, spec §4.1) against sysRoot, returning
// the attribute value or false if the form doesn't match or the file is
// unreadable. Mirrors util_resolve_subsys_kernel in udev-event.c.
func ResolveSubsysKernel(sysRoot, spec string) (string, bool) {
	if len(spec) == 0 || spec[0] != '[' {
		return "", false
	}
	end := strings.IndexByte(spec, ']')
	if end < 0 {
		return "", false
	}
	inner := spec[1:end]
	attr := spec[end+1:]
	if attr == "" {
		return "", false
	}
	parts := strings.SplitN(inner, "/", 2)
	subsystem := parts[0]
	var kernel string
	if len(parts) == 2 {
		kernel = parts[1]
	}

	classRoots := []string{
		filepath.Join(sysRoot, "class", subsystem),
		filepath.Join(sysRoot, "bus", subsystem, "devices"),
	}
	for _, root := range classRoots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if kernel != "" && e.Name() != kernel {
				continue
			}
			path := filepath.Join(root, e.Name(), attr)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			return strings.TrimRight(string(data), "\n"), true
		}
	}
	return "", false
}
