package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/factgraph/internal/models"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume following persisted tasks",
	Long: `Reload the tasks persisted for the configured namespace and follow
the unfinished ones. Placeholders that never reached the service and tasks
older than the retention window are discarded. Requires the task store.`,
	Args: cobra.NoArgs,
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&plainOutput, "plain", false, "print line output even on a terminal")
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if _, err := requireStore(ctx); err != nil {
		return err
	}
	tracker, err := newTracker(ctx, false)
	if err != nil {
		return err
	}
	defer tracker.Close()

	events, unsubscribe := tracker.Subscribe()
	defer unsubscribe()

	res, err := tracker.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	fmt.Printf("Restored %d task(s): %d resumed, %d resolved, %d discarded\n",
		res.Restored, res.Resumed, res.Resolved, res.Discarded)

	var pending []models.IngestionTask
	for _, t := range tracker.Tasks() {
		if t.State == models.StateProcessing {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	set := newWatchSet(pending)
	if err := follow(ctx, set, events); err != nil {
		return err
	}
	return failures(0, set.failed())
}
