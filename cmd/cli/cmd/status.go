package cmd

import (
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"transferplane/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status [migration_id]",
	Short: "Get status of a migration",
	Long:  `Retrieve a migration with the state of each of its units (created, started, finished, failed) and a count per state.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		token, ok := requireToken(cmd)
		if !ok {
			return
		}

		client := NewControlClient(viper.GetString("url"), token)
		migration, err := client.GetMigration(cmd.Context(), args[0])
		if err != nil {
			printRequestError(cmd, err)
			return
		}

		printMigration(cmd, migration)
	},
}

// printRequestError reports API failures by status code and anything else verbatim.
func printRequestError(cmd *cobra.Command, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		cmd.Printf("Request failed with status code: %d\n", apiErr.StatusCode)
		return
	}
	cmd.Printf("Failed to send request: %v\n", err)
}

func printMigration(cmd *cobra.Command, m *api.MigrationResponse) {
	icon := statusIcon(m.Status)
	cmd.Printf("%s %sMigration Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, m.ID)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(m.Status))
	cmd.Printf("%sSource:%s      %s\n", colorDim, colorReset, m.SourceURL)
	if m.SourceVersion != "" {
		cmd.Printf("%sVersion:%s     %s\n", colorDim, colorReset, m.SourceVersion)
	}
	cmd.Printf("%sCreated:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&m.CreatedAt))
	cmd.Printf("%sUpdated:%s     %s %s(%s)%s\n", colorDim, colorReset,
		formatTimeWithRelative(&m.UpdatedAt),
		colorCyan, formatDuration(m.UpdatedAt.Sub(m.CreatedAt)), colorReset)

	if len(m.StatusCounts) > 0 {
		states := make([]string, 0, len(m.StatusCounts))
		for s := range m.StatusCounts {
			states = append(states, s)
		}
		sort.Strings(states)
		cmd.Printf("%sUnits:%s      ", colorDim, colorReset)
		for _, s := range states {
			cmd.Printf(" %s=%d", s, m.StatusCounts[s])
		}
		cmd.Println()
	}

	if len(m.Units) == 0 {
		return
	}
	cmd.Println()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "UNIT ID\tKIND\tSOURCE\tDESTINATION\tSTATUS")
	for _, u := range m.Units {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", u.ID, u.SourceKind, u.SourcePath, u.Destination, u.Status)
	}
	w.Flush()
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case "finished":
		return colorGreen + "✓" + colorReset
	case "failed":
		return colorRed + "✗" + colorReset
	case "started":
		return colorYellow + "⏳" + colorReset
	case "created":
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "finished":
		return icon + " " + colorGreen + status + colorReset
	case "failed":
		return icon + " " + colorRed + status + colorReset
	case "started":
		return icon + " " + colorYellow + status + colorReset
	case "created":
		return icon + " " + colorCyan + status + colorReset
	default:
		return status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
