// Package executor runs transfer tasks on a bounded worker pool.
package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dl-alexandre/gdmirror/internal/api"
	"github.com/dl-alexandre/gdmirror/internal/logging"
	"github.com/dl-alexandre/gdmirror/internal/mirror/pathmap"
	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Fetcher opens content streams on the remote store
type Fetcher interface {
	Download(ctx context.Context, fileID string) (io.ReadCloser, error)
	Export(ctx context.Context, fileID, mimeType string) (io.ReadCloser, error)
}

type Options struct {
	Concurrency int
	Fs          afero.Fs
	Logger      logging.Logger
	// OnStart is called from the worker just before a task's first attempt
	OnStart func(types.TransferTask)
	// RequestContext seeds the trace ID of download calls
	RequestContext *types.RequestContext
}

// Scheduler fans tasks out to a fixed number of workers. Every remote call
// goes through the Governor, which also bounds concurrency across the walker
// and the workers together.
type Scheduler struct {
	fetcher Fetcher
	gov     *api.Governor
	opts    Options
}

func NewScheduler(fetcher Fetcher, gov *api.Governor, opts Options) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = utils.DefaultConcurrency
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	return &Scheduler{fetcher: fetcher, gov: gov, opts: opts}
}

// TempPath is where bytes for target are staged before the final rename.
// The name is reserved by pathmap.Namespace, so no remote entry of the same
// run resolves to it.
func TempPath(target string) string {
	return filepath.Join(filepath.Dir(target), pathmap.TempName(filepath.Base(target)))
}

// Run transfers every task read from tasks and writes exactly one outcome
// per task to outcomes. Once ctx is cancelled no new transfers start and the
// remaining tasks are reported as failed with kind cancelled. Run returns
// after tasks is closed and every outcome has been written; it does not
// close outcomes.
func (s *Scheduler) Run(ctx context.Context, tasks <-chan types.TransferTask, outcomes chan<- types.TransferOutcome) error {
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)

	for task := range tasks {
		if ctx.Err() != nil {
			outcomes <- cancelledOutcome(task, ctx.Err())
			continue
		}
		task := task
		g.Go(func() error {
			outcomes <- s.Transfer(ctx, task)
			return nil
		})
	}
	return g.Wait()
}

func cancelledOutcome(task types.TransferTask, cause error) types.TransferOutcome {
	err := utils.WrapAppError(utils.NewCLIError(utils.ErrCodeCancelled, "transfer abandoned").Build(), cause)
	return types.TransferOutcome{
		Task:    task,
		State:   types.StateFailed,
		ErrKind: types.ErrKindCancelled,
		Err:     err,
	}
}

// Transfer performs one task synchronously
func (s *Scheduler) Transfer(ctx context.Context, task types.TransferTask) types.TransferOutcome {
	start := time.Now()
	if ctx.Err() != nil {
		return cancelledOutcome(task, ctx.Err())
	}
	if s.opts.OnStart != nil {
		s.opts.OnStart(task)
	}

	requestType := types.RequestTypeDownload
	if task.Action == types.ActionExport {
		requestType = types.RequestTypeExport
	}
	reqCtx := api.WithFileIDs(api.DeriveRequestContext(s.opts.RequestContext, requestType), task.Entry.ID)

	var written int64
	err := s.gov.Do(ctx, reqCtx, func(ctx context.Context) error {
		n, err := s.fetchToTemp(ctx, task)
		written = n
		return err
	})

	outcome := types.TransferOutcome{Task: task, Duration: time.Since(start)}
	if err == nil {
		err = s.commit(task)
	}
	if err != nil {
		s.removeTemp(task.Target.Path)
		outcome.Err = err
		outcome.ErrKind = utils.KindOf(err)
		outcome.State = types.StateFailed
		if outcome.ErrKind == types.ErrKindNotFound {
			outcome.State = types.StateSkipped
		}
		return outcome
	}

	outcome.State = types.StateCompleted
	outcome.Bytes = written
	return outcome
}

func (s *Scheduler) open(ctx context.Context, task types.TransferTask) (io.ReadCloser, error) {
	switch task.Action {
	case types.ActionRawCopy:
		return s.fetcher.Download(ctx, task.Entry.ID)
	case types.ActionExport:
		return s.fetcher.Export(ctx, task.Entry.ID, task.ExportMimeType)
	}
	return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeUnknown,
		fmt.Sprintf("unknown transfer action %q", task.Action)).Build())
}

// fetchToTemp is one attempt: open the stream and copy it into a fresh temp
// file. The temp file is removed on any failure.
func (s *Scheduler) fetchToTemp(ctx context.Context, task types.TransferTask) (int64, error) {
	rc, err := s.open(ctx, task)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	tmp := TempPath(task.Target.Path)
	f, err := s.opts.Fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, utils.LocalIOError("create", tmp, err)
	}

	n, err := io.Copy(&localWriter{f: f, path: tmp}, rc)
	if err == nil && task.Action == types.ActionRawCopy && task.Entry.Size >= 0 && n != task.Entry.Size {
		err = utils.NewAppError(utils.NewCLIError(utils.ErrCodeNetworkError,
			fmt.Sprintf("short download: got %d of %d bytes", n, task.Entry.Size)).
			WithRetryable(true).
			Build())
	}
	if err == nil {
		if serr := f.Sync(); serr != nil {
			err = utils.LocalIOError("sync", tmp, serr)
		}
	}
	if cerr := f.Close(); cerr != nil && err == nil {
		err = utils.LocalIOError("close", tmp, cerr)
	}
	if err != nil {
		s.removeTemp(task.Target.Path)
		return 0, err
	}
	return n, nil
}

// commit moves the temp file into place and stamps the remote mtime
func (s *Scheduler) commit(task types.TransferTask) error {
	tmp := TempPath(task.Target.Path)
	if err := s.opts.Fs.Rename(tmp, task.Target.Path); err != nil {
		return utils.LocalIOError("rename", task.Target.Path, err)
	}
	if task.Entry.ModifiedTime == "" {
		return nil
	}
	mtime, err := time.Parse(time.RFC3339, task.Entry.ModifiedTime)
	if err != nil {
		s.opts.Logger.Debug("Unparseable modifiedTime", logging.F("id", task.Entry.ID), logging.F("value", task.Entry.ModifiedTime))
		return nil
	}
	if err := s.opts.Fs.Chtimes(task.Target.Path, mtime, mtime); err != nil {
		s.opts.Logger.Warn("Could not set modification time",
			logging.F("path", task.Target.RelPath),
			logging.F("error", err.Error()),
		)
	}
	return nil
}

func (s *Scheduler) removeTemp(target string) {
	tmp := TempPath(target)
	if err := s.opts.Fs.Remove(tmp); err != nil && !os.IsNotExist(err) {
		s.opts.Logger.Warn("Could not remove partial file", logging.F("path", tmp), logging.F("error", err.Error()))
	}
}

// localWriter tags write failures as local I/O so they are not retried as
// network errors
type localWriter struct {
	f    afero.File
	path string
}

func (w *localWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, utils.LocalIOError("write", w.path, err)
	}
	return n, nil
}
