package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Manage the Dead Letter Queue (DLQ)",
	Long:  `Inspect and retry worker tasks that permanently failed after exceeding their retry limit. These commands authenticate with the system secret.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead tasks in the DLQ",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := NewControlClient(viper.GetString("url"), viper.GetString("token"))

		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		tasks, err := client.ListDLQTasks(cmd.Context(), limit, offset)
		if err != nil {
			return fmt.Errorf("fetching DLQ: %w", err)
		}

		if len(tasks) == 0 {
			if offset > 0 {
				cmd.Println("No more tasks found in DLQ.")
			} else {
				cmd.Println("No tasks found in DLQ.")
			}
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "TASK ID\tKIND\tATTEMPTS\tFAILED AT\tERROR")
		for _, t := range tasks {
			failedAt := ""
			if t.FailedAt != nil {
				failedAt = t.FailedAt.Format(time.RFC3339)
			}
			errMsg := ""
			if t.ErrorMessage != nil {
				errMsg = truncate(*t.ErrorMessage, 50)
			}

			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
				t.TaskID,
				t.Kind,
				t.Attempts,
				failedAt,
				errMsg,
			)
		}
		w.Flush()
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry [task_id]",
	Short: "Re-enqueue a specific task from the DLQ",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task id %q", args[0])
		}
		client := NewControlClient(viper.GetString("url"), viper.GetString("token"))

		resp, err := client.RetryDLQTask(cmd.Context(), taskID)
		if err != nil {
			return fmt.Errorf("retrying task: %w", err)
		}

		cmd.Printf("%s Task %d retried successfully.\n", colorGreen+"✓"+colorReset, taskID)
		cmd.Printf("   New Task ID: %d\n", resp.NewTaskID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)

	dlqListCmd.Flags().IntP("limit", "l", 20, "Number of tasks to list")
	dlqListCmd.Flags().IntP("offset", "o", 0, "Offset for pagination")
}
