package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dl-alexandre/gdmirror/internal/api"
	"github.com/dl-alexandre/gdmirror/internal/config"
	"github.com/dl-alexandre/gdmirror/internal/logging"
	"github.com/dl-alexandre/gdmirror/internal/mirror"
	"github.com/dl-alexandre/gdmirror/internal/mirror/exclude"
	"github.com/dl-alexandre/gdmirror/internal/mirror/index"
	"github.com/dl-alexandre/gdmirror/internal/mirror/progress"
	"github.com/dl-alexandre/gdmirror/internal/resolver"
	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Mirror a Drive folder to a local directory",
	Long: `Mirror a Drive folder, recursively, into a local directory.

The root may be a folder ID, a sharing URL, or a path such as
"/Projects/2024". Use "shared" to mirror everything in Shared with me. Files that already exist locally are skipped, so running
the same command again resumes an interrupted mirror.`,
	Example: `  gdmirror run --root /Projects --out ./projects
  gdmirror run --root 1AbC... --out ./backup --format document=pdf --exclude "*.tmp"
  gdmirror run --root shared --out ./shared
  gdmirror run --profile work`,
	Args: cobra.NoArgs,
	RunE: runMirror,
}

var (
	runRoot        string
	runOut         string
	runDriveID     string
	runProfile     string
	runFormats     []string
	runExclude     []string
	runConcurrency int
	runDryRun      bool
)

func init() {
	runCmd.Flags().StringVar(&runRoot, "root", "", "Remote folder: ID, URL, /path or shared (default: My Drive)")
	runCmd.Flags().StringVar(&runOut, "out", "", "Local output directory")
	runCmd.Flags().StringVar(&runDriveID, "drive-id", "", "Shared drive to mirror from")
	runCmd.Flags().StringVar(&runProfile, "profile", "", "Saved mirror profile to run")
	runCmd.Flags().StringArrayVar(&runFormats, "format", nil, "Export format per document type, e.g. document=pdf (repeatable)")
	runCmd.Flags().StringArrayVar(&runExclude, "exclude", nil, "Exclude pattern over remote paths (repeatable)")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "Concurrent transfers (default from config)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Walk and plan without transferring")

	rootCmd.AddCommand(runCmd)
}

// runSettings is the merged view of config, profile and flags
type runSettings struct {
	Profile       string
	Root          string
	OutDir        string
	DriveID       string
	Concurrency   int
	ExportFormats map[string]string
	Exclude       []string
	DryRun        bool
}

func (s runSettings) exportFormatMap() map[types.NativeSubtype]string {
	out := make(map[types.NativeSubtype]string, len(s.ExportFormats))
	for name, format := range s.ExportFormats {
		if subtype, ok := utils.ParseSubtype(name); ok {
			out[subtype] = format
		}
	}
	return out
}

// runResult is the output of a mirror run
type runResult struct {
	RunID   string          `json:"runId,omitempty"`
	Profile string          `json:"profile,omitempty"`
	Root    string          `json:"root"`
	RootID  string          `json:"rootId"`
	OutDir  string          `json:"outDir"`
	DryRun  bool            `json:"dryRun,omitempty"`
	Status  index.RunStatus `json:"status"`
	Totals  types.RunTotals `json:"totals"`
}

func (r runResult) Headers() []string {
	return append([]string{"Root", "Output", "Status"}, r.Totals.Headers()...)
}

func (r runResult) Rows() [][]string {
	totals := r.Totals.Rows()[0]
	totals[6] = formatSize(r.Totals.Bytes)
	return [][]string{append([]string{r.Root, r.OutDir, string(r.Status)}, totals...)}
}

func (r runResult) EmptyMessage() string {
	return r.Totals.EmptyMessage()
}

func runMirror(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := newOutput(cmd)
	cfg := globalConfig

	db, err := openIndex()
	if err != nil {
		return out.WriteError("run", utils.NewCLIError(utils.ErrCodeLocalIO, err.Error()).Build())
	}
	defer db.Close()

	settings, err := resolveRunSettings(ctx, cmd, db, cfg)
	if err != nil {
		return out.WriteAppError("run", err)
	}

	session, err := openRemote(ctx, cfg, settings.DriveID)
	if err != nil {
		return out.WriteAppError("run", err)
	}

	reqCtx := api.NewRequestContext(globalFlags.Account, settings.DriveID, types.RequestTypeGetByID)
	out.SetTraceID(reqCtx.TraceID)
	runLogger := logger.WithTraceID(reqCtx.TraceID)

	govOpts := []api.GovernorOption{api.WithLogger(runLogger)}
	if session.refresher != nil {
		govOpts = append(govOpts, api.WithRefresher(session.refresher))
	}
	gov := api.NewGovernor(settings.Concurrency, cfg.RetryPolicy(), govOpts...)

	paths := resolver.NewPathResolver(session.store, gov, session.keys, cfg.GetCacheTTL())
	root, err := paths.ResolveFolder(ctx, reqCtx, settings.Root, resolver.ResolveOptions{
		DriveID:  settings.DriveID,
		UseCache: true,
	})
	if err != nil {
		return out.WriteAppError("run", err)
	}
	runLogger.Debug("Root resolved",
		logging.F("root", settings.Root),
		logging.F("id", root.Entry.ID),
		logging.F("credentials", session.source),
	)

	counter := &progress.Counter{}
	engine, err := mirror.New(session.store, mirror.Options{
		RootID:        root.Entry.ID,
		OutDir:        settings.OutDir,
		Concurrency:   settings.Concurrency,
		ExportFormats: settings.exportFormatMap(),
		Exclude:       settings.Exclude,
		DryRun:        settings.DryRun,
		Governor:      gov,
		Logger:        runLogger,
		Sink:          progress.Multi(progress.NewLogSink(runLogger), counter),
		Profile:       settings.Profile,
		DriveID:       settings.DriveID,
	})
	if err != nil {
		return out.WriteAppError("run", err)
	}

	stop := startProgress(cmd.ErrOrStderr(), counter)
	started := time.Now()
	totals, runErr := engine.Run(ctx)
	stop()

	record := &index.Run{
		Profile:    settings.Profile,
		Root:       settings.Root,
		OutDir:     settings.OutDir,
		StartedAt:  started.Unix(),
		FinishedAt: time.Now().Unix(),
		Status:     index.StatusFor(totals, runErr),
		DryRun:     settings.DryRun,
		Totals:     totals,
	}
	if runErr != nil {
		record.Error = runErr.Error()
	}
	// the run context may already be cancelled; history is still written
	if err := db.RecordRun(context.WithoutCancel(ctx), record); err != nil {
		runLogger.Warn("Failed to record run", logging.F("error", err.Error()))
	}

	if runErr != nil {
		return out.WriteAppError("run", runErr)
	}

	if totals.Failed > 0 {
		out.AddWarning(utils.ErrCodePartialFailure, fmt.Sprintf("%d entries could not be mirrored", totals.Failed), "warning")
	}
	if err := out.WriteSuccess("run", runResult{
		RunID:   record.ID,
		Profile: settings.Profile,
		Root:    settings.Root,
		RootID:  root.Entry.ID,
		OutDir:  settings.OutDir,
		DryRun:  settings.DryRun,
		Status:  record.Status,
		Totals:  totals,
	}); err != nil {
		return err
	}
	if totals.Failed > 0 {
		return &reportedError{code: utils.ExitPartialFailure, message: "partial failure"}
	}
	return nil
}

// resolveRunSettings merges config defaults, the selected profile and the
// flags given on the command line, later sources winning
func resolveRunSettings(ctx context.Context, cmd *cobra.Command, db *index.DB, cfg *config.Config) (runSettings, error) {
	s := runSettings{
		Root:          utils.RootFolderAlias,
		Concurrency:   cfg.Concurrency,
		ExportFormats: make(map[string]string),
		Exclude:       append([]string(nil), cfg.Exclude...),
		DryRun:        runDryRun,
	}
	for k, v := range cfg.ExportFormats {
		s.ExportFormats[k] = v
	}

	profileName := runProfile
	if profileName == "" && !cmd.Flags().Changed("root") && !cmd.Flags().Changed("out") {
		profileName = cfg.DefaultProfile
	}
	if profileName != "" {
		p, err := db.GetProfile(ctx, profileName)
		if errors.Is(err, index.ErrNotFound) {
			return s, utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument,
				fmt.Sprintf("no profile named %q", profileName)).
				WithContext("suggestedAction", "list profiles with 'gdmirror profile list'").Build())
		}
		if err != nil {
			return s, utils.LocalIOError("read profile", index.DefaultPath(getConfigDir()), err)
		}
		s.Profile = p.Name
		s.Root = p.Root
		s.OutDir = p.OutDir
		s.DriveID = p.DriveID
		if p.Concurrency > 0 {
			s.Concurrency = p.Concurrency
		}
		for k, v := range p.ExportFormats {
			s.ExportFormats[k] = v
		}
		s.Exclude = append(s.Exclude, p.ExcludePatterns...)
	}

	if cmd.Flags().Changed("root") {
		s.Root = runRoot
	}
	if cmd.Flags().Changed("out") {
		s.OutDir = runOut
	}
	if cmd.Flags().Changed("drive-id") {
		s.DriveID = runDriveID
	}
	if cmd.Flags().Changed("concurrency") {
		s.Concurrency = runConcurrency
	}
	formats, err := config.ParseFormatPairs(runFormats)
	if err != nil {
		return s, utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument, err.Error()).Build())
	}
	for k, v := range formats {
		s.ExportFormats[k] = v
	}
	s.Exclude = append(s.Exclude, runExclude...)
	if err := exclude.Validate(s.Exclude); err != nil {
		return s, utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument, err.Error()).Build())
	}

	if s.OutDir == "" {
		return s, utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument, "an output directory is required").
			WithContext("suggestedAction", "pass --out or --profile").Build())
	}
	if s.Concurrency < 1 || s.Concurrency > utils.MaxConcurrency {
		return s, utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument,
			fmt.Sprintf("concurrency must be between 1 and %d", utils.MaxConcurrency)).Build())
	}
	abs, err := filepath.Abs(s.OutDir)
	if err != nil {
		return s, utils.LocalIOError("resolve", s.OutDir, err)
	}
	s.OutDir = abs
	return s, nil
}

// startProgress redraws a single status line on w while a run is in flight.
// It does nothing unless w is a terminal and table output is selected.
func startProgress(w io.Writer, counter *progress.Counter) func() {
	f, ok := w.(*os.File)
	if !ok || globalFlags.Quiet || globalFlags.OutputFormat != types.OutputFormatTable ||
		!(isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return func() {}
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				fmt.Fprint(f, "\r\033[K")
				return
			case <-ticker.C:
				s := counter.Snapshot()
				fmt.Fprintf(f, "\r\033[K%d/%d files  %s  %d failed", s.Done, s.Known, formatSize(s.Bytes), s.Failed)
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
