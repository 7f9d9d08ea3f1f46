package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var trackersCmd = &cobra.Command{
	Use:   "trackers [migration_id] [unit_id]",
	Short: "List pipeline trackers of a migration unit",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		token, ok := requireToken(cmd)
		if !ok {
			return
		}

		client := NewControlClient(viper.GetString("url"), token)
		trackers, err := client.ListTrackers(cmd.Context(), args[0], args[1])
		if err != nil {
			printRequestError(cmd, err)
			return
		}
		if len(trackers) == 0 {
			cmd.Println("No trackers recorded for this unit yet.")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "STAGE\tPIPELINE\tRELATION\tSTATUS\tUPDATED\tERROR")
		for _, t := range trackers {
			errMsg := ""
			if t.Error != nil {
				errMsg = truncate(*t.Error, 50)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				t.Stage,
				t.PipelineName,
				t.Relation,
				t.Status,
				t.UpdatedAt.Format(time.RFC3339),
				errMsg,
			)
		}
		w.Flush()
	},
}

// truncate shortens long error messages for table views.
func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func init() {
	rootCmd.AddCommand(trackersCmd)
}
