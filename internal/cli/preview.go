package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/factgraph/internal/normalize"
	"github.com/raphaelgruber/factgraph/internal/preview"
)

var previewCmd = &cobra.Command{
	Use:   "preview <url>",
	Short: "Show page metadata for a URL without submitting it",
	Args:  cobra.ExactArgs(1),
	RunE:  runPreview,
}

func runPreview(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	target := args[0]
	if !normalize.IsURL(target) {
		return fmt.Errorf("not a URL: %s", target)
	}

	p, err := apiClient.Preview(ctx, target)
	if err != nil {
		return err
	}

	fmt.Printf("Title: %s\n", p.Title)
	if p.SiteName != "" {
		fmt.Printf("  Site: %s\n", p.SiteName)
	}
	if p.Description != "" {
		fmt.Printf("  Description: %s\n", truncateText(p.Description, 200))
	}
	if p.Image != "" {
		fmt.Printf("  Image: %s\n", p.Image)
	}
	if p.PreviewQuality != "" {
		fmt.Printf("  Quality: %s\n", p.PreviewQuality)
	}
	if p.IsRogue || preview.IsPaywalled(normalize.Domain(target)) {
		fmt.Println("  Warning: this site usually blocks extraction")
	}
	return nil
}
