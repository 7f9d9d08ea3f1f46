package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"transferplane/internal/export/relation"
	"transferplane/internal/remote"
	"transferplane/internal/transfer"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [source_path] [relation]",
	Short: "Download an export artifact into a local directory",
	Long: `Pull a finished export from a source controller with the same checks the
importer applies: address policy, size caps, decompression limits and safe
tar extraction. Without --batch every finished batch of a batched export is
fetched into its own directory.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, ok := requireToken(cmd)
		if !ok {
			return nil
		}
		sourcePath, rel := args[0], args[1]

		session, _ := cmd.Flags().GetString("session")
		batch, _ := cmd.Flags().GetInt("batch")
		dir, _ := cmd.Flags().GetString("dir")
		allowLocal, _ := cmd.Flags().GetBool("allow-local-network")
		maxSize, _ := cmd.Flags().GetString("max-size")

		if session == "" {
			return fmt.Errorf("--session is required")
		}
		if batch < 0 {
			return fmt.Errorf("--batch must be positive")
		}
		artifact, err := relation.Artifact(rel)
		if err != nil {
			return err
		}
		limit, err := humanize.ParseBytes(maxSize)
		if err != nil {
			return fmt.Errorf("invalid --max-size %q: %w", maxSize, err)
		}

		baseURL := viper.GetString("url")
		ctx := cmd.Context()

		status, err := remote.New(baseURL, token, nil).ExportStatus(ctx, sourcePath, rel, session)
		if err != nil {
			cmd.Printf("Failed to fetch export status: %v\n", err)
			return nil
		}
		if status.Status != "finished" {
			cmd.Printf("Export of %s is %s, nothing to fetch.\n", rel, status.Status)
			return nil
		}

		batches := []int{batch}
		if status.Batched && batch == 0 {
			batches = batches[:0]
			for _, b := range status.Batches {
				if b.Status == "finished" {
					batches = append(batches, b.BatchNumber)
				}
			}
		}

		scratch, err := transfer.NewScratch(dir)
		if err != nil {
			return err
		}
		downloader, err := transfer.NewDownloader(transfer.DownloaderConfig{
			BaseURL: baseURL,
			Token:   token,
			MaxSize: int64(limit),
			Policy:  transfer.Policy{AllowLocalNetwork: allowLocal},
		}, scratch, nil, nil)
		if err != nil {
			return err
		}
		decompressor := transfer.NewDecompressor(scratch, -1)
		extractor := transfer.NewExtractor(scratch)

		for _, n := range batches {
			prefix := rel + "-"
			if n > 0 {
				prefix = fmt.Sprintf("%s-batch%d-", rel, n)
			}
			target, err := scratch.MkdirTemp(prefix)
			if err != nil {
				return err
			}

			archive, err := downloader.Download(ctx, remote.DownloadPath(sourcePath, rel, session, n), target, artifact+".gz")
			if err != nil {
				cmd.Printf("Failed to download %s: %v\n", rel, err)
				return nil
			}
			out, err := decompressor.Decompress(ctx, target, filepath.Base(archive))
			if err != nil {
				cmd.Printf("Failed to decompress %s: %v\n", rel, err)
				return nil
			}

			files := []string{out}
			if strings.HasSuffix(out, ".tar") {
				files, err = extractor.Extract(ctx, target, filepath.Base(out))
				if err != nil {
					cmd.Printf("Failed to extract %s: %v\n", rel, err)
					return nil
				}
			}
			cmd.Printf("%s Fetched %s into %s (%d files)\n", colorGreen+"✓"+colorReset, rel, target, len(files))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringP("session", "s", "", "export session id (the destination unit id)")
	fetchCmd.Flags().IntP("batch", "b", 0, "batch number to fetch (default: all finished batches)")
	fetchCmd.Flags().StringP("dir", "d", ".", "directory receiving the artifacts")
	fetchCmd.Flags().Bool("allow-local-network", false, "allow private and loopback source addresses")
	fetchCmd.Flags().String("max-size", "5GiB", "maximum compressed artifact size")
}
