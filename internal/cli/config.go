package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dl-alexandre/gdmirror/internal/config"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  "Commands for managing gdmirror configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective configuration, including environment overrides",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it.

Keys: ` + strings.Join(config.Keys(), ", ") + `

Export formats can be set all at once ("exportFormats" "document=pdf,spreadsheet=csv")
or one subtype at a time ("exportFormats.document" "pdf"). Lists such as
"exclude" take comma separated values.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset configuration to defaults",
	Long:  "Reset all configuration settings to their default values",
	Args:  cobra.NoArgs,
	RunE:  runConfigReset,
}

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configResetCmd)
}

// configView flattens cfg into key/value pairs for display
func configView(cfg *config.Config) (map[string]interface{}, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	view := make(map[string]interface{})
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, err
	}
	source := cfg.Source()
	if source == "" {
		source = "(defaults)"
	}
	view["source"] = source
	return view, nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	view, err := configView(globalConfig)
	if err != nil {
		return out.WriteError("config.show", utils.NewCLIError(utils.ErrCodeUnknown, err.Error()).Build())
	}
	return out.WriteSuccess("config.show", view)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)
	key, value := args[0], args[1]

	cfg, err := config.LoadFile()
	if err != nil {
		return out.WriteError("config.set", utils.NewCLIError(utils.ErrCodeInvalidConfig, err.Error()).Build())
	}

	if err := cfg.Set(key, value); err != nil {
		return out.WriteError("config.set", utils.NewCLIError(utils.ErrCodeInvalidArgument, err.Error()).
			WithContext("key", key).Build())
	}
	if err := cfg.Validate(); err != nil {
		return out.WriteError("config.set", utils.NewCLIError(utils.ErrCodeInvalidArgument, err.Error()).
			WithContext("key", key).Build())
	}

	if err := cfg.Save(); err != nil {
		return out.WriteError("config.set", utils.NewCLIError(utils.ErrCodeLocalIO,
			fmt.Sprintf("Failed to save configuration: %v", err)).Build())
	}

	out.Log("Configuration updated: %s = %s", key, value)
	return out.WriteSuccess("config.set", map[string]interface{}{
		"key":   key,
		"value": value,
		"file":  cfg.Source(),
	})
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	cfg, err := config.LoadFile()
	if err != nil {
		// an unreadable file is replaced
		cfg = config.DefaultConfig()
	}
	cfg.ResetToDefaults()
	if err := cfg.Save(); err != nil {
		return out.WriteError("config.reset", utils.NewCLIError(utils.ErrCodeLocalIO,
			fmt.Sprintf("Failed to reset configuration: %v", err)).Build())
	}

	out.Log("Configuration reset to defaults")
	view, err := configView(cfg)
	if err != nil {
		return out.WriteError("config.reset", utils.NewCLIError(utils.ErrCodeUnknown, err.Error()).Build())
	}
	return out.WriteSuccess("config.reset", view)
}
