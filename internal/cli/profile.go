package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dl-alexandre/gdmirror/internal/config"
	"github.com/dl-alexandre/gdmirror/internal/mirror/exclude"
	"github.com/dl-alexandre/gdmirror/internal/mirror/index"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"github.com/spf13/cobra"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage saved mirror profiles",
	Long:  "A profile stores the root, output directory and options of a mirror so it can be rerun with 'gdmirror run --profile <name>'.",
}

var profileAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Save or update a mirror profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileAdd,
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved profiles",
	Args:  cobra.NoArgs,
	RunE:  runProfileList,
}

var profileRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Delete a saved profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileRemove,
}

var (
	profileRoot        string
	profileOut         string
	profileDriveID     string
	profileFormats     []string
	profileExclude     []string
	profileConcurrency int
)

func init() {
	profileAddCmd.Flags().StringVar(&profileRoot, "root", utils.RootFolderAlias, "Remote folder: ID, URL, /path or shared")
	profileAddCmd.Flags().StringVar(&profileOut, "out", "", "Local output directory")
	profileAddCmd.Flags().StringVar(&profileDriveID, "drive-id", "", "Shared drive to mirror from")
	profileAddCmd.Flags().StringArrayVar(&profileFormats, "format", nil, "Export format per document type, e.g. document=pdf (repeatable)")
	profileAddCmd.Flags().StringArrayVar(&profileExclude, "exclude", nil, "Exclude pattern over remote paths (repeatable)")
	profileAddCmd.Flags().IntVar(&profileConcurrency, "concurrency", 0, "Concurrent transfers (0 uses the config value)")
	_ = profileAddCmd.MarkFlagRequired("out")

	profileCmd.AddCommand(profileAddCmd)
	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileRemoveCmd)
	rootCmd.AddCommand(profileCmd)
}

func runProfileAdd(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	formats, err := config.ParseFormatPairs(profileFormats)
	if err != nil {
		return out.WriteError("profile.add", utils.NewCLIError(utils.ErrCodeInvalidArgument, err.Error()).Build())
	}
	if err := exclude.Validate(profileExclude); err != nil {
		return out.WriteError("profile.add", utils.NewCLIError(utils.ErrCodeInvalidArgument, err.Error()).Build())
	}
	if profileConcurrency < 0 || profileConcurrency > utils.MaxConcurrency {
		return out.WriteError("profile.add", utils.NewCLIError(utils.ErrCodeInvalidArgument,
			fmt.Sprintf("concurrency must be between 0 and %d", utils.MaxConcurrency)).Build())
	}
	outDir, err := filepath.Abs(profileOut)
	if err != nil {
		return out.WriteError("profile.add", utils.NewCLIError(utils.ErrCodeInvalidPath, err.Error()).Build())
	}

	db, err := openIndex()
	if err != nil {
		return out.WriteError("profile.add", utils.NewCLIError(utils.ErrCodeLocalIO, err.Error()).Build())
	}
	defer db.Close()

	p := index.Profile{
		Name:            args[0],
		Root:            profileRoot,
		OutDir:          outDir,
		DriveID:         profileDriveID,
		ExcludePatterns: profileExclude,
		ExportFormats:   formats,
		Concurrency:     profileConcurrency,
	}
	if err := db.UpsertProfile(cmd.Context(), p); err != nil {
		return out.WriteError("profile.add", utils.NewCLIError(utils.ErrCodeLocalIO, err.Error()).Build())
	}

	saved, err := db.GetProfile(cmd.Context(), p.Name)
	if err != nil {
		return out.WriteError("profile.add", utils.NewCLIError(utils.ErrCodeLocalIO, err.Error()).Build())
	}
	out.Log("Profile saved: %s", saved.Name)
	return out.WriteSuccess("profile.add", index.Profiles{*saved})
}

func runProfileList(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	db, err := openIndex()
	if err != nil {
		return out.WriteError("profile.list", utils.NewCLIError(utils.ErrCodeLocalIO, err.Error()).Build())
	}
	defer db.Close()

	profiles, err := db.ListProfiles(cmd.Context())
	if err != nil {
		return out.WriteError("profile.list", utils.NewCLIError(utils.ErrCodeLocalIO, err.Error()).Build())
	}
	if profiles == nil {
		profiles = index.Profiles{}
	}
	return out.WriteSuccess("profile.list", profiles)
}

func runProfileRemove(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	db, err := openIndex()
	if err != nil {
		return out.WriteError("profile.remove", utils.NewCLIError(utils.ErrCodeLocalIO, err.Error()).Build())
	}
	defer db.Close()

	if err := db.DeleteProfile(cmd.Context(), args[0]); err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return out.WriteError("profile.remove", utils.NewCLIError(utils.ErrCodeInvalidArgument,
				fmt.Sprintf("no profile named %q", args[0])).Build())
		}
		return out.WriteError("profile.remove", utils.NewCLIError(utils.ErrCodeLocalIO, err.Error()).Build())
	}

	out.Log("Profile removed: %s", args[0])
	return out.WriteSuccess("profile.remove", map[string]interface{}{
		"profile": args[0],
		"status":  "removed",
	})
}
