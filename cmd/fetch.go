package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/capture-service/internal/packager"
	"github.com/JakeFAU/capture-service/pkg/client"
)

type fetchOptions struct {
	server      string
	apiKey      string
	out         string
	accept      string
	wait        int
	screenshots int
	width       int
	height      int
}

// newFetchCmd is a reference client: it captures one URL through a running
// service and saves the parts into a folder.
func newFetchCmd() *cobra.Command {
	opts := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Captures a URL through a running service and saves the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(opts.server, client.WithAPIKey(opts.apiKey))
			req := client.Options{
				URL:    args[0],
				Width:  opts.width,
				Height: opts.height,
				Accept: opts.accept,
			}
			if cmd.Flags().Changed("wait") {
				req.WaitMS = &opts.wait
			}
			if cmd.Flags().Changed("screenshots") {
				req.MaxScreenshots = &opts.screenshots
			}

			res, err := c.Capture(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("capture %s: %w", args[0], err)
			}
			if err := saveCapture(opts.out, res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s (status %d, %d screenshots) to %s\n",
				res.Document.Name, res.Info.Status, len(res.Screenshots), opts.out)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8080", "capture service base URL")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", os.Getenv("SCRAPER_API_KEY"), "bearer key (defaults to $SCRAPER_API_KEY)")
	cmd.Flags().StringVar(&opts.out, "out", "capture", "output directory")
	cmd.Flags().StringVar(&opts.accept, "format", "", "screenshot media type, e.g. image/webp")
	cmd.Flags().IntVar(&opts.wait, "wait", 0, "post-load settle time in milliseconds")
	cmd.Flags().IntVar(&opts.screenshots, "screenshots", 0, "maximum number of screenshots")
	cmd.Flags().IntVar(&opts.width, "width", 0, "browser viewport width")
	cmd.Flags().IntVar(&opts.height, "height", 0, "browser viewport height")
	return cmd
}

// saveCapture writes info.json, main<ext> and <i><ext> into dir.
func saveCapture(dir string, res *client.Capture) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	info, err := json.MarshalIndent(res.Info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "info.json"), info, 0o600); err != nil {
		return fmt.Errorf("write info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main"+partExt(res.Document)), res.Document.Data, 0o600); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	for i, shot := range res.Screenshots {
		name := fmt.Sprintf("%d%s", i, partExt(shot))
		if err := os.WriteFile(filepath.Join(dir, name), shot.Data, 0o600); err != nil {
			return fmt.Errorf("write screenshot %d: %w", i, err)
		}
	}
	return nil
}

func partExt(p client.Part) string {
	if ext := filepath.Ext(p.Name); ext != "" {
		return ext
	}
	return packager.ExtensionForType(p.ContentType)
}
