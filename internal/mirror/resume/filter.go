// Package resume decides, from the local filesystem alone, which entries of
// a mirror run still need transferring.
package resume

import (
	"fmt"
	"os"

	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"github.com/spf13/afero"
)

type Decision int

const (
	NeedsTransfer Decision = iota
	Skip
)

func (d Decision) String() string {
	if d == Skip {
		return "skip"
	}
	return "needs-transfer"
}

// Filter applies the "exists" resume policy: a file whose final path is
// already a regular file is considered done. Sizes and checksums are not
// compared, so a file changed remotely after it was mirrored is not fetched
// again.
type Filter struct {
	fs     afero.Fs
	dryRun bool
}

// NewFilter creates a Filter. In dry-run mode directories are only checked,
// never created.
func NewFilter(fs afero.Fs, dryRun bool) *Filter {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Filter{fs: fs, dryRun: dryRun}
}

// Check returns Skip for satisfied file targets and for directory targets
// (after making sure the directory exists), and NeedsTransfer otherwise.
func (f *Filter) Check(target types.LocalTarget, entry types.RemoteEntry) (Decision, error) {
	switch target.Kind {
	case types.TargetDirectory:
		return Skip, f.ensureDir(target.Path)
	case types.TargetFile:
		return f.checkFile(target.Path)
	}
	return NeedsTransfer, fmt.Errorf("unknown target kind %q for %s", target.Kind, entry.ID)
}

func (f *Filter) ensureDir(path string) error {
	info, err := f.fs.Stat(path)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil:
		return utils.LocalIOError("mkdir", path, fmt.Errorf("a file exists where a directory is expected"))
	case !os.IsNotExist(err):
		return utils.LocalIOError("stat", path, err)
	}
	if f.dryRun {
		return nil
	}
	if err := f.fs.MkdirAll(path, 0755); err != nil {
		return utils.LocalIOError("mkdir", path, err)
	}
	return nil
}

func (f *Filter) checkFile(path string) (Decision, error) {
	info, err := f.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NeedsTransfer, nil
		}
		return NeedsTransfer, utils.LocalIOError("stat", path, err)
	}
	if info.IsDir() {
		return NeedsTransfer, utils.LocalIOError("write", path, fmt.Errorf("a directory exists where a file is expected"))
	}
	if !info.Mode().IsRegular() {
		return NeedsTransfer, utils.LocalIOError("write", path, fmt.Errorf("not a regular file"))
	}
	return Skip, nil
}
