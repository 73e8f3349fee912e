package resume

import (
	"path/filepath"
	"testing"

	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"github.com/spf13/afero"
)

func fileTarget(p string) types.LocalTarget {
	return types.LocalTarget{Path: p, Kind: types.TargetFile}
}

func dirTarget(p string) types.LocalTarget {
	return types.LocalTarget{Path: p, Kind: types.TargetDirectory}
}

func TestFilter_FileTargets(t *testing.T) {
	fs := afero.NewMemMapFs()
	root := filepath.FromSlash("/out")
	if err := afero.WriteFile(fs, filepath.Join(root, "A.txt"), []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, filepath.Join(root, ".B.txt.partial"), []byte("01"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := fs.MkdirAll(filepath.Join(root, "Doc1.docx"), 0755); err != nil {
		t.Fatal(err)
	}
	f := NewFilter(fs, false)
	entry := types.RemoteEntry{ID: "x", Kind: types.KindBinary}

	d, err := f.Check(fileTarget(filepath.Join(root, "A.txt")), entry)
	if err != nil || d != Skip {
		t.Errorf("existing file: %v, %v", d, err)
	}

	d, err = f.Check(fileTarget(filepath.Join(root, "B.txt")), entry)
	if err != nil || d != NeedsTransfer {
		t.Errorf("only a partial exists: %v, %v", d, err)
	}

	_, err = f.Check(fileTarget(filepath.Join(root, "Doc1.docx")), entry)
	if utils.KindOf(err) != types.ErrKindLocalIO {
		t.Errorf("directory at file target: kind %q", utils.KindOf(err))
	}
}

func TestFilter_DirectoryTargets(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := NewFilter(fs, false)
	sub := filepath.FromSlash("/out/Sub/Deeper")
	entry := types.RemoteEntry{ID: "s", Kind: types.KindFolder}

	for i := 0; i < 2; i++ {
		d, err := f.Check(dirTarget(sub), entry)
		if err != nil || d != Skip {
			t.Fatalf("pass %d: %v, %v", i, d, err)
		}
	}
	if ok, _ := afero.DirExists(fs, sub); !ok {
		t.Fatal("directory not created")
	}

	blocked := filepath.FromSlash("/out/file")
	if err := afero.WriteFile(fs, blocked, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Check(dirTarget(blocked), entry); utils.KindOf(err) != types.ErrKindLocalIO {
		t.Errorf("file at directory target: kind %q", utils.KindOf(err))
	}
}

func TestFilter_DryRunCreatesNothing(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := NewFilter(fs, true)
	dir := filepath.FromSlash("/out/Sub")
	if _, err := f.Check(dirTarget(dir), types.RemoteEntry{Kind: types.KindFolder}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := afero.Exists(fs, dir); ok {
		t.Error("dry run created a directory")
	}
}
