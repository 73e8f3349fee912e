package testing

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dl-alexandre/gdmirror/internal/api"
	"github.com/dl-alexandre/gdmirror/internal/testing/fakedrive"
	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"github.com/spf13/afero"
)

// TestContext creates a context that is cancelled when the test ends
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestRequestContext creates a standard request context for testing
func TestRequestContext() *types.RequestContext {
	return &types.RequestContext{
		Profile:           "test-profile",
		InvolvedFileIDs:   []string{},
		InvolvedParentIDs: []string{},
		RequestType:       types.RequestTypeListOrSearch,
		TraceID:           "test-trace-id",
	}
}

// FastPolicy keeps the retry counts of the default policy with delays
// short enough for real-clock tests
func FastPolicy() api.RetryPolicy {
	p := api.DefaultRetryPolicy()
	p.BaseDelay = time.Millisecond
	p.TransientDelay = time.Millisecond
	p.MaxDelay = 5 * time.Millisecond
	return p
}

// FastGovernor returns a Governor using FastPolicy
func FastGovernor(concurrency int, opts ...api.GovernorOption) *api.Governor {
	return api.NewGovernor(concurrency, FastPolicy(), opts...)
}

// ScenarioDrive builds the reference tree
//
//	root/A.txt (10 bytes)
//	root/Doc1 (native document)
//	root/Sub/B.txt (5 bytes)
func ScenarioDrive() *fakedrive.Drive {
	d := fakedrive.New()
	d.AddFile(fakedrive.RootID, "a", "A.txt", []byte("0123456789"))
	d.AddNative(fakedrive.RootID, "doc1", "Doc1", types.SubtypeDocument, []byte("docx-bytes"))
	d.AddFolder(fakedrive.RootID, "sub", "Sub")
	d.AddFile("sub", "b", "B.txt", []byte("hello"))
	return d
}

// ReadTree returns every regular file under root keyed by its slash-separated
// relative path
func ReadTree(t *testing.T, fs afero.Fs, root string) map[string]string {
	t.Helper()
	files := make(map[string]string)
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("ReadTree(%s): %v", root, err)
	}
	return files
}

// PartialFiles lists in-progress temp files left under root
func PartialFiles(t *testing.T, fs afero.Fs, root string) []string {
	t.Helper()
	var partial []string
	for rel := range ReadTree(t, fs, root) {
		if strings.HasSuffix(rel, utils.PartialSuffix) {
			partial = append(partial, rel)
		}
	}
	return partial
}
