// Package format implements the $name/%c substitution language devcore
// expands rule-supplied templates against (device symlinks, run-list
// commands, property values). It is a port of
// subst_format_var/udev_event_apply_format from systemd-udevd's
// src/udev/udev-event.c, the original implementation this core was
// distilled from, except that an unknown token is logged and skipped
// instead of being copied to the output.
package format

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/smazurov/devcore/internal/device"
	"github.com/smazurov/devcore/internal/logging"
)

var logger = logging.GetLogger("format")

// Context is the minimal view of an in-flight event the formatter needs.
// eventctx.EventContext implements this; tests can supply a lightweight
// fake without pulling in the whole orchestrator package.
type Context interface {
	Device() *device.Device
	ParentDevice() *device.Device // cached dev_parent, nil if none
	ProgramResult() string
	Name() string // event.name, "" if unset
	SysRoot() string
}

type substType int

const (
	substUnknown substType = iota
	substDevnode
	substAttr
	substEnv
	substKernel
	substKernelNumber
	substDriver
	substDevpath
	substID
	substMajor
	substMinor
	substResult
	substParent
	substName
	substLinks
	substRoot
	substSys
)

type tokenEntry struct {
	name  string
	short byte
	typ   substType
}

// token table — closed set, order matters for longest/first-match of the
// $name form exactly as the C map[] does.
var tokenTable = []tokenEntry{
	{"devnode", 'N', substDevnode},
	{"tempnode", 'N', substDevnode},
	{"attr", 's', substAttr},
	{"sysfs", 's', substAttr},
	{"env", 'E', substEnv},
	{"kernel", 'k', substKernel},
	{"number", 'n', substKernelNumber},
	{"driver", 'd', substDriver},
	{"devpath", 'p', substDevpath},
	{"id", 'b', substID},
	{"major", 'M', substMajor},
	{"minor", 'm', substMinor},
	{"result", 'c', substResult},
	{"parent", 'P', substParent},
	{"name", 'D', substName},
	{"links", 'L', substLinks},
	{"root", 'r', substRoot},
	{"sys", 'S', substSys},
}

// Expand writes the expansion of src into dst (whose full length is the
// destination capacity, including room for the terminating NUL) and
// returns the number of bytes written, excluding the NUL. dst[n] is
// always set to 0 on return (I5/P1).
func Expand(ctx Context, src string, dst []byte, replaceWhitespace bool) int {
	if len(dst) == 0 {
		return 0
	}
	from := src
	s := 0        // write cursor into dst
	l := len(dst) // remaining capacity, including the NUL reserve

	for len(from) > 0 {
		if from[0] == '$' {
			if len(from) > 1 && from[1] == '$' {
				from = from[1:] // emit one literal '$' below
			} else if typ, rest, ok := matchName(from[1:]); ok {
				from = rest
				s, l, from = substitute(ctx, typ, from, dst, s, l, replaceWhitespace)
				continue
			} else {
				// Unknown token: log and skip, no output (spec §4.1).
				name, rest := consumeIdent(from[1:])
				logger.Error("unknown key in format", "name", name)
				from = rest
				continue
			}
		} else if from[0] == '%' {
			if len(from) > 1 && from[1] == '%' {
				from = from[1:] // emit one literal '%' below
			} else if len(from) > 1 {
				if typ, ok := matchShort(from[1]); ok {
					from = from[2:]
					s, l, from = substitute(ctx, typ, from, dst, s, l, replaceWhitespace)
					continue
				}
				logger.Error("unknown format char", "char", string(from[1]))
				from = from[2:]
				continue
			} else {
				logger.Error("trailing %% in format string")
				from = from[1:]
				continue
			}
		}

		if l < 2 {
			dst[s] = 0
			return s
		}
		dst[s] = from[0]
		from = from[1:]
		s++
		l--
	}
	dst[s] = 0
	return s
}

// consumeIdent consumes a maximal run of identifier characters (the
// token-name alphabet) from the start of s, returning the consumed name
// and the remaining source.
func consumeIdent(s string) (string, string) {
	i := 0
	for i < len(s) && ((s[i] >= 'a' && s[i] <= 'z') || (s[i] >= 'A' && s[i] <= 'Z') || s[i] == '_') {
		i++
	}
	return s[:i], s[i:]
}

// matchName finds the longest-prefix token name at the start of s (after
// the leading '$' has been consumed) and returns the remainder of s past
// the name.
func matchName(s string) (substType, string, bool) {
	for _, t := range tokenTable {
		if strings.HasPrefix(s, t.name) {
			return t.typ, s[len(t.name):], true
		}
	}
	return substUnknown, s, false
}

func matchShort(c byte) (substType, bool) {
	for _, t := range tokenTable {
		if t.short == c {
			return t.typ, true
		}
	}
	return substUnknown, false
}

// substitute extracts an optional {attr} argument, computes the
// substitution value, writes it (subject to whitespace replacement) into
// dst starting at s with l bytes of capacity remaining (NUL included),
// and returns the updated cursor/capacity and the remaining source.
func substitute(ctx Context, typ substType, from string, dst []byte, s, l int, replaceWhitespace bool) (int, int, string) {
	var attr string
	hasAttr := false
	if len(from) > 0 && from[0] == '{' {
		from = from[1:]
		end := strings.IndexByte(from, '}')
		if end < 0 {
			logger.Error("missing closing brace for format string")
			dst[s] = 0
			return s, 0, ""
		}
		attr = from[:end]
		hasAttr = true
		from = from[end+1:]
	}

	var arg *string
	if hasAttr {
		arg = &attr
	}

	value := substValue(ctx, typ, arg)

	if replaceWhitespace && typ != substResult {
		value = replaceWhitespaceWith(value, '_')
	}

	available := len(dst) - 1 - s // reserve one byte for the terminating NUL
	if available < 0 {
		available = 0
	}
	take := len(value)
	if take > available {
		take = available
	}
	n := copy(dst[s:s+take], value[:take])
	s += n
	l -= n
	return s, l, from
}

func substValue(ctx Context, typ substType, arg *string) string {
	dev := ctx.Device()
	switch typ {
	case substDevnode:
		return dev.Devnode
	case substKernel:
		return dev.Sysname
	case substKernelNumber:
		return dev.Sysnum()
	case substDevpath:
		return dev.Devpath
	case substID:
		if p := ctx.ParentDevice(); p != nil {
			return p.Sysname
		}
		return ""
	case substDriver:
		if p := ctx.ParentDevice(); p != nil {
			return p.Driver
		}
		return ""
	case substMajor:
		return strconv.Itoa(dev.Devnum.Major)
	case substMinor:
		return strconv.Itoa(dev.Devnum.Minor)
	case substResult:
		return substResultValue(ctx.ProgramResult(), arg)
	case substAttr:
		return substAttrValue(ctx, dev, arg)
	case substParent:
		p := dev.Parent()
		if p == nil || p.Devnode == "" {
			return ""
		}
		return strings.TrimPrefix(p.Devnode, "/dev/")
	case substName:
		if ctx.Name() != "" {
			return ctx.Name()
		}
		if dev.Devnode != "" {
			return strings.TrimPrefix(dev.Devnode, "/dev/")
		}
		return dev.Sysname
	case substLinks:
		links := dev.Devlinks()
		trimmed := make([]string, len(links))
		for i, l := range links {
			trimmed[i] = strings.TrimPrefix(l, "/dev/")
		}
		return strings.Join(trimmed, " ")
	case substRoot:
		return "/dev"
	case substSys:
		return "/sys"
	case substEnv:
		if arg == nil {
			return ""
		}
		return dev.Property(*arg)
	default:
		logger.Error("unknown substitution type", "type", typ)
		return ""
	}
}

// substResultValue implements the %c / %c{N} / %c{N+} split described in
// spec §4.1: 1-indexed whitespace-delimited parts of program_result.
func substResultValue(result string, arg *string) string {
	if result == "" {
		return ""
	}
	if arg == nil || *arg == "" {
		return result
	}

	spec := *arg
	wantRest := strings.HasSuffix(spec, "+")
	numStr := strings.TrimSuffix(spec, "+")
	n, err := strconv.Atoi(numStr)
	if err != nil || n <= 0 {
		return result
	}

	fields := strings.Fields(result)
	if n > len(fields) {
		logger.Error("requested part of result string not found", "part", n)
		return ""
	}

	if wantRest {
		// Rejoin from the N-th field onward using original spacing.
		idx := nthFieldByteOffset(result, n)
		return result[idx:]
	}
	return fields[n-1]
}

// nthFieldByteOffset returns the byte offset of the start of the n-th
// (1-indexed) whitespace-delimited field in s.
func nthFieldByteOffset(s string, n int) int {
	i := 0
	field := 0
	for i < len(s) {
		for i < len(s) && unicode.IsSpace(rune(s[i])) {
			i++
		}
		if i >= len(s) {
			break
		}
		field++
		if field == n {
			return i
		}
		for i < len(s) && !unicode.IsSpace(rune(s[i])) {
			i++
		}
	}
	return len(s)
}

// substAttrValue implements $attr{name} / $sysfs{name}: resolve against
// the device, falling back to the parent, trimming trailing whitespace
// and sanitizing to the allowed-character set (spec §4.1, §6).
func substAttrValue(ctx Context, dev *device.Device, arg *string) string {
	if arg == nil || *arg == "" {
		logger.Error("missing file parameter for attr")
		return ""
	}
	name := *arg

	if v, ok := deviceFsSysattrRoot(ctx, name); ok {
		return sanitizeAttr(v)
	}

	if v, ok := dev.SysattrRead(name); ok {
		return sanitizeAttr(v)
	}

	if p := ctx.ParentDevice(); p != nil {
		if v, ok := p.SysattrRead(name); ok {
			return sanitizeAttr(v)
		}
	}

	return ""
}

func deviceFsSysattrRoot(ctx Context, name string) (string, bool) {
	if len(name) == 0 || name[0] != '[' {
		return "", false
	}
	return device.ResolveSubsysKernel(ctx.SysRoot(), name)
}

// sanitizeAttr trims trailing whitespace and replaces any byte outside
// [A-Za-z0-9_.:/-] with '_' (spec §6 "Allowed-character set for attr").
func sanitizeAttr(v string) string {
	v = strings.TrimRight(v, " \t\r\n\v\f")
	b := []byte(v)
	for i, c := range b {
		if isAllowedAttrChar(c) {
			continue
		}
		b[i] = '_'
	}
	return string(b)
}

func isAllowedAttrChar(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '.' || c == ':' || c == '/' || c == '-':
		return true
	default:
		return false
	}
}

// replaceWhitespaceWith collapses runs of whitespace in v into a single
// rep byte (spec §4.1 "collapsed to single _ characters in place").
func replaceWhitespaceWith(v string, rep byte) string {
	if v == "" {
		return v
	}
	b := make([]byte, 0, len(v))
	inWS := false
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f' {
			if !inWS {
				b = append(b, rep)
				inWS = true
			}
			continue
		}
		inWS = false
		b = append(b, c)
	}
	return string(b)
}
