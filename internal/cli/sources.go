package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/factgraph/internal/client"
	"github.com/raphaelgruber/factgraph/internal/normalize"
)

var (
	sourcesJSON   bool
	sourcesFilter string
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the sources already in the fact graph",
	Long: `List the authoritative source list of the extraction service.

Examples:
  factgraph sources
  factgraph sources --filter example.com
  factgraph sources --json`,
	Args: cobra.NoArgs,
	RunE: runSources,
}

func init() {
	sourcesCmd.Flags().BoolVar(&sourcesJSON, "json", false, "print as JSON")
	sourcesCmd.Flags().StringVarP(&sourcesFilter, "filter", "f", "", "only sources whose normalized URL contains this text")
}

func runSources(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := apiClient.ListSources(ctx)
	if err != nil {
		return err
	}
	entries = filterSources(entries, sourcesFilter)

	if sourcesJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Println("No sources found")
		return nil
	}

	fmt.Printf("%-6s %-50s %s\n", "ITEMS", "URL", "TITLE")
	fmt.Println(strings.Repeat("-", 80))
	for _, e := range entries {
		items := "-"
		if e.ItemCount != nil {
			items = fmt.Sprintf("%d", *e.ItemCount)
		}
		fmt.Printf("%-6s %-50s %s\n", items, truncateText(e.IdentityURL, 50), e.Title)
	}
	fmt.Printf("\n%d source(s)\n", len(entries))
	return nil
}

func filterSources(entries []client.SourceEntry, filter string) []client.SourceEntry {
	filter = strings.ToLower(strings.TrimSpace(filter))
	if filter == "" {
		return entries
	}
	var out []client.SourceEntry
	for _, e := range entries {
		if strings.Contains(normalize.Key(e.IdentityURL), filter) {
			out = append(out, e)
		}
	}
	return out
}

// truncateText shortens s to maxLen runes, ending with "...".
func truncateText(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
