package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/factgraph/internal/models"
	"github.com/raphaelgruber/factgraph/internal/service"
)

var (
	submitCache  bool
	submitNoWait bool

	// Shared by submit and resume.
	plainOutput bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <url-or-text>...",
	Short: "Submit items for extraction and follow them",
	Long: `Submit one or more URLs or free-text items to the extraction service.

Items already in the source list are reported and skipped. The remaining
items are followed until they are resolved. On a terminal the progress is
shown live; otherwise one line is printed per change.

Examples:
  factgraph submit https://example.com/article
  factgraph submit --cache https://a.example/1 https://b.example/2
  factgraph submit --no-wait "The council approved the budget on Tuesday."`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().BoolVar(&submitCache, "cache", false, "try the extraction cache before submitting")
	submitCmd.Flags().BoolVar(&submitNoWait, "no-wait", false, "submit and exit without following")
	submitCmd.Flags().BoolVar(&plainOutput, "plain", false, "print line output even on a terminal")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	tracker, err := newTracker(ctx, submitCache)
	if err != nil {
		return err
	}
	defer tracker.Close()

	if err := tracker.RefreshSources(ctx); err != nil {
		logger.Warn("source list unavailable, duplicates are only checked locally", "error", err)
	}

	events, unsubscribe := tracker.Subscribe()
	defer unsubscribe()

	var (
		watched  []models.IngestionTask
		rejected int
	)
	for _, input := range args {
		h, err := tracker.Submit(ctx, input)
		if err != nil {
			rejected++
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", input, err)
			continue
		}
		switch h.Kind {
		case service.HandleAlreadyPresent:
			fmt.Printf("= %s is already in the source list\n", h.Input)
			continue
		case service.HandleAlreadyTracked:
			fmt.Printf("= %s is already being processed as %s\n", h.Input, h.Task.TaskID)
		case service.HandleCached:
			fmt.Printf("+ %s resolved from cache as %s\n", h.Input, h.Task.TaskID)
		case service.HandleCreated:
			if submitNoWait {
				fmt.Printf("+ %s submitted as %s\n", h.Input, h.Task.TaskID)
			}
		}
		if h.Task != nil {
			watched = append(watched, *h.Task)
		}
	}

	if submitNoWait || len(watched) == 0 {
		return failures(rejected, 0)
	}

	set := newWatchSet(watched)
	if err := follow(ctx, set, events); err != nil {
		return err
	}
	return failures(rejected, set.failed())
}

// follow shows progress for set until it is resolved.
func follow(ctx context.Context, set *watchSet, events <-chan service.Event) error {
	if !plainOutput && term.IsTerminal(int(os.Stdout.Fd())) {
		prev := stderrLevel.Level()
		stderrLevel.Set(slog.LevelError)
		defer stderrLevel.Set(prev)
		return runProgress(set, events)
	}
	err := watchPlain(ctx, os.Stdout, set, events)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func failures(rejected, failed int) error {
	if n := rejected + failed; n > 0 {
		return fmt.Errorf("%d item(s) failed", n)
	}
	return nil
}
