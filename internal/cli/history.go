package cli

import (
	"github.com/dl-alexandre/gdmirror/internal/mirror/index"
	"github.com/dl-alexandre/gdmirror/internal/utils"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent mirror runs",
	Long:  "List recorded mirror runs, newest first. History is informational; resume decisions always look at the local files.",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var (
	historyProfile string
	historyLimit   int
)

func init() {
	historyCmd.Flags().StringVar(&historyProfile, "profile", "", "Only show runs of this profile")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of runs to show (0 for all)")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	out := newOutput(cmd)

	db, err := openIndex()
	if err != nil {
		return out.WriteError("history", utils.NewCLIError(utils.ErrCodeLocalIO, err.Error()).Build())
	}
	defer db.Close()

	runs, err := db.ListRuns(cmd.Context(), historyProfile, historyLimit)
	if err != nil {
		return out.WriteError("history", utils.NewCLIError(utils.ErrCodeLocalIO, err.Error()).Build())
	}
	if runs == nil {
		runs = index.Runs{}
	}
	return out.WriteSuccess("history", runs)
}
