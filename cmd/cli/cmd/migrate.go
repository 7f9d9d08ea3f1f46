package cmd

import (
	"fmt"
	"strings"

	"transferplane/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Start a migration from a source instance",
	Long: `Create a migration on the destination controller. Each --unit names one
top-level resource as kind:source_path:destination, where kind is group or project.
Subgroups and projects below a group are discovered while the migration runs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, ok := requireToken(cmd)
		if !ok {
			return nil
		}

		sourceURL, _ := cmd.Flags().GetString("source-url")
		sourceVersion, _ := cmd.Flags().GetString("source-version")
		rawUnits, _ := cmd.Flags().GetStringArray("unit")

		if sourceURL == "" {
			return fmt.Errorf("--source-url is required")
		}
		units, err := parseUnits(rawUnits)
		if err != nil {
			return err
		}

		client := NewControlClient(viper.GetString("url"), token)
		resp, err := client.CreateMigration(cmd.Context(), api.CreateMigrationRequest{
			SourceURL:     sourceURL,
			SourceVersion: sourceVersion,
			Units:         units,
		})
		if err != nil {
			cmd.Printf("Failed to create migration: %v\n", err)
			return nil
		}

		cmd.Printf("%s Migration created\n", colorGreen+"✓"+colorReset)
		cmd.Printf("%sID:%s %s\n", colorDim, colorReset, resp.MigrationID)
		return nil
	},
}

// parseUnits reads kind:source_path:destination triples.
func parseUnits(raw []string) ([]api.UnitRequest, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one --unit is required")
	}
	units := make([]api.UnitRequest, 0, len(raw))
	for _, r := range raw {
		parts := strings.SplitN(r, ":", 3)
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("invalid unit %q: expected kind:source_path:destination", r)
		}
		kind := strings.ToLower(parts[0])
		if kind != "group" && kind != "project" {
			return nil, fmt.Errorf("invalid unit %q: kind must be group or project", r)
		}
		units = append(units, api.UnitRequest{
			SourceKind:  kind,
			SourcePath:  parts[1],
			Destination: parts[2],
		})
	}
	return units, nil
}

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().String("source-url", "", "base URL of the source controller")
	migrateCmd.Flags().String("source-version", "", "version reported by the source instance")
	migrateCmd.Flags().StringArrayP("unit", "u", nil, "resource to migrate as kind:source_path:destination (repeatable)")
}
