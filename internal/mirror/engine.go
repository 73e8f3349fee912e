// Package mirror wires the walker, path resolver, resume filter and
// transfer scheduler into a single mirror run.
package mirror

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dl-alexandre/gdmirror/internal/api"
	"github.com/dl-alexandre/gdmirror/internal/logging"
	"github.com/dl-alexandre/gdmirror/internal/mirror/exclude"
	"github.com/dl-alexandre/gdmirror/internal/mirror/executor"
	"github.com/dl-alexandre/gdmirror/internal/mirror/pathmap"
	"github.com/dl-alexandre/gdmirror/internal/mirror/progress"
	"github.com/dl-alexandre/gdmirror/internal/mirror/resume"
	"github.com/dl-alexandre/gdmirror/internal/mirror/scanner"
	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"github.com/spf13/afero"
)

// RemoteStore is everything a run needs from the remote side
type RemoteStore interface {
	scanner.Lister
	executor.Fetcher
}

type Options struct {
	// RootID is the remote folder to mirror; utils.RootFolderAlias for My Drive
	RootID string
	// OutDir is the local directory that mirrors RootID
	OutDir string

	Concurrency   int
	Policy        api.RetryPolicy
	ExportFormats map[types.NativeSubtype]string
	Exclude       []string
	DryRun        bool

	// Governor overrides the one built from Concurrency and Policy
	Governor  *api.Governor
	Refresher api.Refresher

	Fs     afero.Fs
	Logger logging.Logger
	Sink   progress.Sink

	Profile string
	DriveID string
}

// Engine performs mirror runs. One Engine may run many times, but not
// concurrently.
type Engine struct {
	store    RemoteStore
	opts     Options
	gov      *api.Governor
	resolver *pathmap.Resolver
	matcher  *exclude.Matcher
}

func New(store RemoteStore, opts Options) (*Engine, error) {
	if store == nil {
		return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument, "remote store is required").Build())
	}
	if opts.OutDir == "" {
		return nil, utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument, "output directory is required").Build())
	}
	if opts.RootID == "" {
		opts.RootID = utils.RootFolderAlias
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = utils.DefaultConcurrency
	}
	if opts.Concurrency > utils.MaxConcurrency {
		opts.Concurrency = utils.MaxConcurrency
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	if opts.Sink == nil {
		opts.Sink = progress.Nop
	}

	gov := opts.Governor
	if gov == nil {
		govOpts := []api.GovernorOption{api.WithLogger(opts.Logger)}
		if opts.Refresher != nil {
			govOpts = append(govOpts, api.WithRefresher(opts.Refresher))
		}
		gov = api.NewGovernor(opts.Concurrency, opts.Policy, govOpts...)
	}

	return &Engine{
		store:    store,
		opts:     opts,
		gov:      gov,
		resolver: pathmap.New(opts.OutDir, opts.ExportFormats),
		matcher:  exclude.New(opts.Exclude),
	}, nil
}

// Governor returns the governor shared by the walker and the workers
func (e *Engine) Governor() *api.Governor {
	return e.gov
}

// run holds the state of a single Run call
type run struct {
	e      *Engine
	sink   progress.Sink
	logger logging.Logger
	cancel context.CancelFunc

	mu     sync.Mutex
	totals types.RunTotals
	fatal  error

	excluded atomic.Int64
}

func (r *run) emit(ev progress.Event) {
	ev.Time = time.Now()
	r.sink.Emit(ev)
}

func (r *run) update(fn func(t *types.RunTotals)) {
	r.mu.Lock()
	fn(&r.totals)
	r.mu.Unlock()
}

// fail records the first fatal error and cancels the run
func (r *run) fail(err error) {
	r.mu.Lock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.mu.Unlock()
	r.cancel()
}

// Run mirrors the remote tree once. Per-file failures are reported through
// the sink and counted in the totals; the returned error is non-nil only
// for failures that abort the whole run: an auth failure, cancellation, or
// an unusable output directory.
func (e *Engine) Run(ctx context.Context) (types.RunTotals, error) {
	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	reqCtx := api.NewRequestContext(e.opts.Profile, e.opts.DriveID, types.RequestTypeListOrSearch)
	logger := e.opts.Logger.WithTraceID(reqCtx.TraceID)
	r := &run{
		e:      e,
		sink:   progress.Serialized(e.opts.Sink),
		logger: logger,
		cancel: cancel,
	}

	logger.Info("Mirror run starting",
		logging.F("root", e.opts.RootID),
		logging.F("out", e.opts.OutDir),
		logging.F("concurrency", e.opts.Concurrency),
		logging.F("dryRun", e.opts.DryRun),
	)

	filter := resume.NewFilter(e.opts.Fs, e.opts.DryRun)
	rootEntry := types.RemoteEntry{ID: e.opts.RootID, Kind: types.KindFolder, Size: types.UnknownSize}
	rootTarget := e.resolver.Root()
	if _, err := filter.Check(rootTarget, rootEntry); err != nil {
		return r.finish(ctx, start, err)
	}

	walker := scanner.NewWalker(e.store, e.gov, scanner.Options{
		Exclude:        e.matcher,
		Buffer:         4 * e.opts.Concurrency,
		Logger:         logger,
		RequestContext: reqCtx,
		OnExcluded: func(item scanner.Item) {
			r.excluded.Add(1)
			logger.Debug("Excluded", logging.F("path", item.RemotePath()))
		},
	})
	sched := executor.NewScheduler(e.store, e.gov, executor.Options{
		Concurrency:    e.opts.Concurrency,
		Fs:             e.opts.Fs,
		Logger:         logger,
		RequestContext: reqCtx,
		OnStart: func(task types.TransferTask) {
			r.emit(progress.Event{Type: progress.FileStarted, Path: task.Target.RelPath, EntryID: task.Entry.ID})
		},
	})

	tasks := make(chan types.TransferTask, e.opts.Concurrency)
	outcomes := make(chan types.TransferOutcome, e.opts.Concurrency)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(outcomes)
		// Run only fails if a worker returns an error, which Transfer never does
		_ = sched.Run(runCtx, tasks, outcomes)
	}()
	go func() {
		defer wg.Done()
		for o := range outcomes {
			r.record(o)
		}
	}()

	items := walker.Walk(runCtx, rootEntry)
	r.plan(runCtx, items, filter, rootTarget, tasks)
	close(tasks)
	for range items {
	}
	wg.Wait()

	if err := walker.Err(); err != nil {
		if utils.KindOf(err) == types.ErrKindAuth {
			r.fail(err)
		}
	}
	return r.finish(ctx, start, nil)
}

// plan is the sequential stage between the walker and the workers: it
// places every entry in the local namespace, creates directories before
// their children are dispatched, and drops entries that already exist.
func (r *run) plan(ctx context.Context, items <-chan scanner.Item, filter *resume.Filter, rootTarget types.LocalTarget, tasks chan<- types.TransferTask) {
	e := r.e
	ns := e.resolver.NewNamespace()
	dirs := map[string]types.LocalTarget{e.opts.RootID: rootTarget}
	// folders whose local directory could not be created
	blocked := make(map[string]bool)
	lastParent := ""

	for item := range items {
		if ctx.Err() != nil {
			return
		}
		entry := item.Entry

		if item.Vanished() {
			r.update(func(t *types.RunTotals) { t.Skipped++ })
			r.emit(progress.Event{
				Type:    progress.FolderSkipped,
				Path:    item.RemotePath(),
				EntryID: entry.ID,
				Reason:  progress.ReasonNotFound,
				ErrKind: types.ErrKindNotFound,
				Message: item.Err.Error(),
			})
			continue
		}
		if item.Failed() {
			r.update(func(t *types.RunTotals) { t.Failed++ })
			r.emit(progress.Event{
				Type:    progress.FolderFailed,
				Path:    item.RemotePath(),
				EntryID: entry.ID,
				ErrKind: utils.KindOf(item.Err),
				Message: item.Err.Error(),
			})
			continue
		}

		if entry.ParentID != lastParent {
			if prev, ok := dirs[lastParent]; ok {
				ns.Forget(prev)
			}
			lastParent = entry.ParentID
		}

		if blocked[entry.ParentID] {
			if entry.IsFolder() {
				blocked[entry.ID] = true
			}
			r.update(func(t *types.RunTotals) { t.Failed++ })
			r.emit(progress.Event{
				Type:    progress.FileFailed,
				Path:    item.RemotePath(),
				EntryID: entry.ID,
				Reason:  progress.ReasonTargetConflict,
				ErrKind: types.ErrKindLocalIO,
				Message: "parent directory could not be created",
			})
			continue
		}

		parent, ok := dirs[entry.ParentID]
		if !ok {
			// the walker always yields a folder before its children
			r.logger.Error("Entry arrived before its folder", logging.F("id", entry.ID), logging.F("parentId", entry.ParentID))
			continue
		}

		switch entry.Kind {
		case types.KindFolder:
			target := ns.Place(entry, parent)
			if _, err := filter.Check(target, entry); err != nil {
				blocked[entry.ID] = true
				r.update(func(t *types.RunTotals) { t.Failed++ })
				r.emit(progress.Event{
					Type:    progress.FolderFailed,
					Path:    target.RelPath,
					EntryID: entry.ID,
					ErrKind: utils.KindOf(err),
					Message: err.Error(),
				})
				continue
			}
			dirs[entry.ID] = target
			r.update(func(t *types.RunTotals) { t.Folders++ })
			r.emit(progress.Event{Type: progress.FolderEntered, Path: target.RelPath, EntryID: entry.ID})

		case types.KindBinary, types.KindNative:
			target := ns.Place(entry, parent)
			decision, err := filter.Check(target, entry)
			if err != nil {
				r.update(func(t *types.RunTotals) { t.Failed++ })
				r.emit(progress.Event{
					Type:    progress.FileFailed,
					Path:    target.RelPath,
					EntryID: entry.ID,
					Reason:  progress.ReasonTargetConflict,
					ErrKind: utils.KindOf(err),
					Message: err.Error(),
				})
				continue
			}
			if decision == resume.Skip {
				r.update(func(t *types.RunTotals) { t.Skipped++ })
				r.emit(progress.Event{Type: progress.FileSkipped, Path: target.RelPath, EntryID: entry.ID, Reason: progress.ReasonExists})
				continue
			}
			if e.opts.DryRun {
				r.update(func(t *types.RunTotals) { t.Planned++ })
				r.emit(progress.Event{Type: progress.FileSkipped, Path: target.RelPath, EntryID: entry.ID, Reason: progress.ReasonDryRun})
				continue
			}
			select {
			case tasks <- e.taskFor(entry, target):
			case <-ctx.Done():
				return
			}

		default:
			r.update(func(t *types.RunTotals) { t.Skipped++ })
			r.emit(progress.Event{
				Type:    progress.FileSkipped,
				Path:    item.RemotePath(),
				EntryID: entry.ID,
				Reason:  progress.ReasonUnsupported,
				Message: entry.MimeType,
			})
		}
	}
}

func (e *Engine) taskFor(entry types.RemoteEntry, target types.LocalTarget) types.TransferTask {
	task := types.TransferTask{Entry: entry, Target: target, Action: types.ActionRawCopy}
	if entry.Kind == types.KindNative {
		_, mime := e.resolver.ExportFormat(entry.Subtype)
		task.Action = types.ActionExport
		task.ExportMimeType = mime
	}
	return task
}

// record folds one outcome into the totals and reports it
func (r *run) record(o types.TransferOutcome) {
	ev := progress.Event{
		Path:     o.Task.Target.RelPath,
		EntryID:  o.Task.Entry.ID,
		Duration: o.Duration,
		ErrKind:  o.ErrKind,
	}
	if o.Err != nil {
		ev.Message = o.Err.Error()
	}

	switch o.State {
	case types.StateCompleted:
		r.update(func(t *types.RunTotals) {
			t.Completed++
			t.Bytes += o.Bytes
		})
		ev.Type = progress.FileCompleted
		ev.Bytes = o.Bytes
	case types.StateSkipped:
		r.update(func(t *types.RunTotals) { t.Skipped++ })
		ev.Type = progress.FileSkipped
		ev.Reason = progress.ReasonNotFound
	default:
		r.update(func(t *types.RunTotals) { t.Failed++ })
		ev.Type = progress.FileFailed
	}
	r.emit(ev)

	if o.ErrKind == types.ErrKindAuth {
		r.fail(o.Err)
	}
}

func (r *run) finish(ctx context.Context, start time.Time, err error) (types.RunTotals, error) {
	r.mu.Lock()
	if err == nil {
		err = r.fatal
	}
	r.totals.Excluded = int(r.excluded.Load())
	r.totals.Duration = time.Since(start)
	totals := r.totals
	r.mu.Unlock()

	if err == nil && ctx.Err() != nil {
		err = utils.WrapAppError(utils.NewCLIError(utils.ErrCodeCancelled, "mirror run cancelled").Build(), ctx.Err())
	}
	if err != nil {
		r.logger.Error("Mirror run aborted", logging.F("kind", string(utils.KindOf(err))), logging.F("error", err.Error()))
	}

	r.emit(progress.Event{Type: progress.RunCompleted, Totals: &totals, Duration: totals.Duration})
	return totals, err
}
