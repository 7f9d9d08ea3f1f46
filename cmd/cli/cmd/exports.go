package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"transferplane/internal/remote"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var exportsCmd = &cobra.Command{
	Use:   "exports [source_path]",
	Short: "Show export status of a resource on a source controller",
	Long:  `List every relation export of a group or project recorded for one session, with per-batch progress for batched exports.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, ok := requireToken(cmd)
		if !ok {
			return nil
		}
		session, _ := cmd.Flags().GetString("session")
		if session == "" {
			return fmt.Errorf("--session is required")
		}

		client := remote.New(viper.GetString("url"), token, nil)
		exports, err := client.ListExports(cmd.Context(), args[0], session)
		if err != nil {
			cmd.Printf("Failed to fetch exports: %v\n", err)
			return nil
		}
		if len(exports) == 0 {
			cmd.Println("No exports found for this session.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "RELATION\tSTATUS\tBATCHES\tOBJECTS\tUPDATED\tERROR")
		for _, e := range exports {
			batches := "-"
			if e.Batched {
				finished := 0
				for _, b := range e.Batches {
					if b.Status == "finished" {
						finished++
					}
				}
				batches = fmt.Sprintf("%d/%d", finished, e.BatchesCount)
			}
			errMsg := ""
			if e.Error != nil {
				errMsg = truncate(*e.Error, 50)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				e.Relation,
				colorizeStatus(e.Status),
				batches,
				e.TotalObjectsCount,
				e.UpdatedAt.Format(time.RFC3339),
				errMsg,
			)
		}
		w.Flush()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportsCmd)

	exportsCmd.Flags().StringP("session", "s", "", "export session id (the destination unit id)")
}
