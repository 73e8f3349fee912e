package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dl-alexandre/gdmirror/internal/config"
	"github.com/dl-alexandre/gdmirror/internal/logging"
	"github.com/dl-alexandre/gdmirror/internal/types"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"github.com/dl-alexandre/gdmirror/pkg/version"
	"github.com/spf13/cobra"
)

var (
	globalFlags    types.GlobalFlags
	globalConfig   *config.Config
	logger         logging.Logger = logging.NewNoOpLogger()
	debugTransport *logging.DebugTransport
)

var rootCmd = &cobra.Command{
	Use:   "gdmirror",
	Short: "Mirror a Google Drive folder tree to local disk",
	Long: `gdmirror downloads a Google Drive folder, recursively, into a local
directory. Native documents are exported to office formats, files that
already exist locally are skipped, and an interrupted run resumes where it
stopped.

All commands support JSON output for automation and scripting.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if globalFlags.ConfigDir != "" {
			if err := os.Setenv(config.EnvPrefix+"CONFIG_DIR", globalFlags.ConfigDir); err != nil {
				return err
			}
		}

		cfg, loadErr := config.Load()
		if loadErr != nil {
			// config subcommands must still run so a broken file can be repaired
			if cmd.Parent() != configCmd {
				return utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidConfig, loadErr.Error()).
					WithContext("suggestedAction", "fix it with 'gdmirror config set' or 'gdmirror config reset'").Build())
			}
			cfg = config.DefaultConfig()
		}
		globalConfig = cfg

		if err := validateGlobalFlags(cmd); err != nil {
			return err
		}

		level, _ := logging.ParseLevel(cfg.LogLevel)
		logConfig := logging.LogConfig{
			Level:           level,
			OutputFile:      cfg.LogFile,
			EnableConsole:   !globalFlags.Quiet,
			EnableDebug:     globalFlags.Debug,
			RedactSensitive: true,
			EnableColor:     cfg.ColorOutput,
			EnableTimestamp: true,
			MaxFileSize:     logging.DefaultLogConfig().MaxFileSize,
			MaxBackups:      logging.DefaultLogConfig().MaxBackups,
			Console:         cmd.ErrOrStderr(),
		}
		if globalFlags.LogFile != "" {
			logConfig.OutputFile = globalFlags.LogFile
		}
		if globalFlags.Verbose {
			logConfig.Level = logging.DEBUG
		}
		if globalFlags.OutputFormat == types.OutputFormatJSON && !globalFlags.Verbose && !globalFlags.Debug {
			logConfig.EnableConsole = false
		}

		var err error
		logger, debugTransport, err = logging.NewDebugLoggerWithTransport(logConfig)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if loadErr != nil {
			logger.Warn("Configuration is invalid, using defaults", logging.F("error", loadErr.Error()))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "Print the version, commit and build information of gdmirror",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := newOutput(cmd)
		return out.WriteSuccess("version", version.Get())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.Account, "account", "default", "Credential profile to authenticate with")
	rootCmd.PersistentFlags().StringVar((*string)(&globalFlags.OutputFormat), "output", "table", "Output format (json, table)")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Quiet, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.Debug, "debug", false, "Log every HTTP request")
	rootCmd.PersistentFlags().StringVar(&globalFlags.ConfigDir, "config-dir", "", "Configuration directory (default ~/.gdmirror)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogFile, "log-file", "", "Path to log file")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "Output in JSON format (alias for --output json)")

	rootCmd.AddCommand(versionCmd)
}

func validateGlobalFlags(cmd *cobra.Command) error {
	if !cmd.Flags().Changed("output") && globalConfig != nil {
		globalFlags.OutputFormat = globalConfig.OutputFormat
	}
	if globalFlags.JSON {
		globalFlags.OutputFormat = types.OutputFormatJSON
	}

	if globalFlags.OutputFormat != types.OutputFormatJSON && globalFlags.OutputFormat != types.OutputFormatTable {
		return utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid output format: %s", globalFlags.OutputFormat)).Build())
	}
	return nil
}

// Execute runs the root command and returns the process exit code
func Execute(ctx context.Context) int {
	// cobra only hands a context to commands that have none, so a context
	// kept from an earlier call would outlive its cancellation
	setContext(rootCmd, ctx)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return utils.ExitSuccess
	}

	var reported *reportedError
	if errors.As(err, &reported) {
		return reported.code
	}

	// errors raised before a command could write its own output
	code := utils.ExitInvalidArgument
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		code = utils.GetExitCode(appErr.CLIError.Code)
	}
	fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	return code
}

func setContext(cmd *cobra.Command, ctx context.Context) {
	cmd.SetContext(ctx)
	for _, c := range cmd.Commands() {
		setContext(c, ctx)
	}
}

// GetGlobalFlags returns the global flags
func GetGlobalFlags() types.GlobalFlags {
	return globalFlags
}

// GetLogger returns the global logger
func GetLogger() logging.Logger {
	return logger
}

func getConfigDir() string {
	dir, err := config.GetConfigDir()
	if err == nil {
		return dir
	}
	return config.ConfigDirName
}
