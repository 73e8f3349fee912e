// Package pathmap turns remote entries into collision-free local paths.
package pathmap

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"golang.org/x/text/unicode/norm"
)

const untitled = "untitled"

var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// SanitizeName makes a single remote name safe as a path component on any
// common filesystem. The result is never empty and at most
// utils.MaxNameBytes bytes long.
func SanitizeName(name string) string {
	name = norm.NFC.String(name)

	var sb strings.Builder
	sb.Grow(len(name))
	for _, r := range name {
		switch {
		case r == utf8.RuneError:
			sb.WriteByte('_')
		case r < 0x20 || r == 0x7f:
			sb.WriteByte('_')
		case strings.ContainsRune(`<>:"/\|?*`, r):
			sb.WriteByte('_')
		default:
			sb.WriteRune(r)
		}
	}

	name = strings.TrimRight(strings.TrimSpace(sb.String()), ". ")
	if name == "" {
		return untitled
	}

	stem, ext := splitExt(name)
	if reservedNames[strings.ToUpper(strings.TrimSpace(stem))] {
		name = stem + "_" + ext
	}
	return truncate(name, utils.MaxNameBytes)
}

// splitExt splits at the last dot; leading dots are part of the stem
func splitExt(name string) (string, string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return name, ""
	}
	return name[:i], name[i:]
}

// truncate shortens name to max bytes, keeping a short extension intact
func truncate(name string, max int) string {
	if len(name) <= max {
		return name
	}
	stem, ext := splitExt(name)
	if len(ext) > 16 || len(ext) >= max {
		stem, ext = name, ""
	}
	stem = strings.TrimRight(cutBytes(stem, max-len(ext)), ". ")
	if stem == "" {
		stem = untitled
	}
	return stem + ext
}

// cutBytes returns the longest prefix of s within max bytes that does not
// split a UTF-8 sequence
func cutBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := 0
	for i := range s {
		if i > max {
			break
		}
		cut = i
	}
	return s[:cut]
}

// Resolver maps remote entries to local targets beneath a root directory
type Resolver struct {
	root    string
	formats map[types.NativeSubtype]string
}

// New creates a Resolver. formats overrides utils.DefaultExportFormats per
// subtype; unknown format names fall back to pdf.
func New(root string, formats map[types.NativeSubtype]string) *Resolver {
	merged := make(map[types.NativeSubtype]string, len(utils.DefaultExportFormats))
	for k, v := range utils.DefaultExportFormats {
		merged[k] = v
	}
	for k, v := range formats {
		v = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(v), "."))
		if utils.IsKnownFormat(v) {
			merged[k] = v
		}
	}
	return &Resolver{root: filepath.Clean(root), formats: merged}
}

// Root is the target for the mirrored root folder itself
func (r *Resolver) Root() types.LocalTarget {
	return types.LocalTarget{Path: r.root, RelPath: "", Kind: types.TargetDirectory}
}

// ExportFormat returns the format name and MIME type used for a native subtype
func (r *Resolver) ExportFormat(subtype types.NativeSubtype) (string, string) {
	format, ok := r.formats[subtype]
	if !ok {
		format = "pdf"
	}
	mime, _ := utils.FormatMimeType(format)
	return format, mime
}

// FileName is the sanitized local name of entry, before collision handling
func (r *Resolver) FileName(entry types.RemoteEntry) string {
	name := SanitizeName(entry.Name)
	if entry.Kind != types.KindNative {
		return name
	}
	format, _ := r.ExportFormat(entry.Subtype)
	ext := "." + format
	if _, cur := splitExt(name); strings.EqualFold(cur, ext) {
		return name
	}
	return truncate(name+ext, utils.MaxNameBytes)
}

// Resolve computes the target for entry under parent, ignoring siblings
func (r *Resolver) Resolve(entry types.RemoteEntry, parent types.LocalTarget) types.LocalTarget {
	return r.target(r.FileName(entry), entry, parent)
}

func (r *Resolver) target(name string, entry types.RemoteEntry, parent types.LocalTarget) types.LocalTarget {
	kind := types.TargetFile
	if entry.IsFolder() {
		kind = types.TargetDirectory
	}
	rel := name
	if parent.RelPath != "" {
		rel = filepath.Join(parent.RelPath, name)
	}
	return types.LocalTarget{
		Path:    filepath.Join(r.root, rel),
		RelPath: rel,
		Kind:    kind,
	}
}

// ResolveSiblings resolves a whole sibling set, disambiguating names that
// collide case-insensitively. Earlier entries keep their plain names.
func (r *Resolver) ResolveSiblings(parent types.LocalTarget, entries []types.RemoteEntry) []types.LocalTarget {
	ns := r.NewNamespace()
	out := make([]types.LocalTarget, len(entries))
	for i, e := range entries {
		out[i] = ns.Place(e, parent)
	}
	return out
}

// Namespace remembers the names handed out per parent directory so that
// entries arriving one at a time still get unique targets.
type Namespace struct {
	r    *Resolver
	mu   sync.Mutex
	used map[string]map[string]bool
}

func (r *Resolver) NewNamespace() *Namespace {
	return &Namespace{r: r, used: make(map[string]map[string]bool)}
}

// Place resolves entry under parent and reserves the resulting name
func (ns *Namespace) Place(entry types.RemoteEntry, parent types.LocalTarget) types.LocalTarget {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	taken := ns.used[parent.Path]
	if taken == nil {
		taken = make(map[string]bool)
		ns.used[parent.Path] = taken
	}

	// a file also claims its staging name, so a sibling whose remote name
	// equals that staging name is moved aside instead of being overwritten
	file := !entry.IsFolder()
	free := func(name string) bool {
		return !taken[foldKey(name)] && (!file || !taken[foldKey(TempName(name))])
	}

	base := ns.r.FileName(entry)
	name := base
	for n := 1; !free(name); n++ {
		name = withCounter(base, n)
	}
	taken[foldKey(name)] = true
	if file {
		taken[foldKey(TempName(name))] = true
	}
	return ns.r.target(name, entry, parent)
}

// TempName is the hidden sibling a file named name is staged under
// before it is renamed into place
func TempName(name string) string {
	return "." + name + utils.PartialSuffix
}

// Forget drops the reservations under a directory once it is fully placed
func (ns *Namespace) Forget(parent types.LocalTarget) {
	ns.mu.Lock()
	delete(ns.used, parent.Path)
	ns.mu.Unlock()
}

func foldKey(name string) string {
	return strings.ToLower(norm.NFC.String(name))
}

func withCounter(name string, n int) string {
	stem, ext := splitExt(name)
	suffix := fmt.Sprintf(" (%d)", n)
	if len(stem)+len(suffix)+len(ext) > utils.MaxNameBytes {
		stem = cutBytes(stem, utils.MaxNameBytes-len(suffix)-len(ext))
	}
	return stem + suffix + ext
}
