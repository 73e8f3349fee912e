package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dl-alexandre/gdmirror/internal/auth"
	"github.com/dl-alexandre/gdmirror/internal/config"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authentication commands",
	Long: `Manage the credentials gdmirror uses to read Google Drive.

Credentials are looked up in this order: the GDMIRROR_ACCESS_TOKEN
environment variable, a service account key set as credentialsFile, the
token stored for --account, and finally the tokenFile from the config.`,
}

var authImportCmd = &cobra.Command{
	Use:   "import <token-file>",
	Short: "Store an OAuth token for an account",
	Long:  "Read an OAuth token JSON file (access_token, refresh_token, expiry) and store it for --account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthImport,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove stored credentials",
	Long:  "Delete stored credentials for --account",
	Args:  cobra.NoArgs,
	RunE:  runAuthLogout,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication status",
	Long:  "Display which credential source a run would use and whether it is still valid",
	Args:  cobra.NoArgs,
	RunE:  runAuthStatus,
}

func init() {
	authCmd.AddCommand(authImportCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
	rootCmd.AddCommand(authCmd)
}

func runAuthImport(cmd *cobra.Command, args []string) error {
	flags := GetGlobalFlags()
	out := newOutput(cmd)

	mgr := newAuthManager(globalConfig)
	if warning := mgr.StorageWarning(); warning != "" {
		out.AddWarning("STORAGE_FALLBACK", warning, "warning")
	}

	creds, err := mgr.ImportToken(flags.Account, args[0])
	if err != nil {
		return out.WriteAppError("auth.import", err)
	}

	out.Log("Token stored for account: %s", flags.Account)
	return out.WriteSuccess("auth.import", map[string]interface{}{
		"account":        flags.Account,
		"canRefresh":     creds.RefreshToken != "",
		"expiry":         formatExpiry(creds.ExpiryDate),
		"storageBackend": mgr.StorageBackend(),
	})
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	flags := GetGlobalFlags()
	out := newOutput(cmd)

	mgr := newAuthManager(globalConfig)
	if err := mgr.DeleteCredentials(flags.Account); err != nil {
		if errors.Is(err, auth.ErrNoCredentials) || os.IsNotExist(err) {
			return out.WriteError("auth.logout", utils.NewCLIError(utils.ErrCodeAuthRequired,
				fmt.Sprintf("No credentials found for account '%s'", flags.Account)).Build())
		}
		return out.WriteError("auth.logout", utils.NewCLIError(utils.ErrCodeLocalIO, err.Error()).Build())
	}

	out.Log("Credentials removed for account: %s", flags.Account)
	return out.WriteSuccess("auth.logout", map[string]interface{}{
		"account": flags.Account,
		"status":  "logged_out",
	})
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	flags := GetGlobalFlags()
	out := newOutput(cmd)
	cfg := globalConfig

	mgr := newAuthManager(cfg)
	if warning := mgr.StorageWarning(); warning != "" && flags.Verbose {
		out.Log("%s", warning)
	}

	status := map[string]interface{}{
		"account":        flags.Account,
		"storageBackend": mgr.StorageBackend(),
		"authenticated":  false,
	}

	switch {
	case os.Getenv(config.EnvPrefix+"ACCESS_TOKEN") != "":
		status["source"] = "environment"
		status["authenticated"] = true
		status["canRefresh"] = false
		return out.WriteSuccess("auth.status", status)
	case cfg.CredentialsFile != "":
		status["credentialsFile"] = cfg.CredentialsFile
	}

	creds, err := mgr.LoadCredentials(flags.Account)
	switch {
	case err == nil:
		expired := !creds.ExpiryDate.IsZero() && time.Now().After(creds.ExpiryDate)
		status["source"] = "stored"
		status["type"] = creds.Type
		status["expiry"] = formatExpiry(creds.ExpiryDate)
		status["expired"] = expired
		status["canRefresh"] = creds.RefreshToken != ""
		status["authenticated"] = !expired || creds.RefreshToken != ""
	case errors.Is(err, auth.ErrNoCredentials):
		if cfg.TokenFile != "" {
			status["source"] = "token-file"
			status["tokenFile"] = cfg.TokenFile
			_, statErr := os.Stat(cfg.TokenFile)
			status["authenticated"] = statErr == nil
		}
	default:
		return out.WriteError("auth.status", utils.NewCLIError(utils.ErrCodeLocalIO, err.Error()).Build())
	}

	return out.WriteSuccess("auth.status", status)
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format(time.RFC3339)
}
