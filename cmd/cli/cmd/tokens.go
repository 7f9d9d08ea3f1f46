package cmd

import (
	"fmt"

	"transferplane/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage peer access tokens",
	Long:  `Issue access tokens that destination controllers use to pull exports. These commands authenticate with the system secret.`,
}

var tokensCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a new access token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, ok := requireToken(cmd)
		if !ok {
			return nil
		}
		name, _ := cmd.Flags().GetString("name")
		rate, _ := cmd.Flags().GetFloat64("rate-limit")
		burst, _ := cmd.Flags().GetInt("burst")
		if name == "" {
			return fmt.Errorf("--name is required")
		}

		client := NewControlClient(viper.GetString("url"), token)
		resp, err := client.CreateAccessToken(cmd.Context(), api.CreateAccessTokenRequest{
			Name:           name,
			RateLimit:      rate,
			RateLimitBurst: burst,
		})
		if err != nil {
			cmd.Printf("Failed to create token: %v\n", err)
			return nil
		}

		cmd.Printf("%s Token %s created (id %s)\n", colorGreen+"✓"+colorReset, resp.Name, resp.ID)
		cmd.Printf("   %s\n", resp.Token)
		cmd.Printf("%sThe token is shown only once.%s\n", colorDim, colorReset)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokensCmd)
	tokensCmd.AddCommand(tokensCreateCmd)

	tokensCreateCmd.Flags().StringP("name", "n", "", "label for the token")
	tokensCreateCmd.Flags().Float64("rate-limit", 0, "requests per second allowed (0 means unlimited)")
	tokensCreateCmd.Flags().Int("burst", 0, "rate limit burst size")
}
