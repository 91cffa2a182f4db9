package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/factgraph/internal/client"
	"github.com/raphaelgruber/factgraph/internal/models"
	"github.com/raphaelgruber/factgraph/internal/normalize"
	"github.com/raphaelgruber/factgraph/internal/service"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a remote task and how it would be judged",
	Long: `Fetch a task record from the extraction service, check it against the
source list and print the resulting verdict.

Examples:
  factgraph status 4f1c2a
  factgraph status 4f1c2a --json`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print record and verdict as JSON")
}

type statusOutput struct {
	Record  *client.TaskRecord `json:"record"`
	Verdict verdictOutput      `json:"verdict"`
}

type verdictOutput struct {
	State    models.LifecycleState `json:"state"`
	Reason   models.ErrorReason    `json:"reason,omitempty"`
	Message  string                `json:"message,omitempty"`
	Items    int                   `json:"items"`
	Awaiting bool                  `json:"awaiting,omitempty"`
	InSource bool                  `json:"inSourceList"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	id := args[0]
	rec, err := apiClient.GetTask(ctx, id)
	if err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("task not found: %s", id)
		}
		return err
	}

	sources := service.NewSourceList(apiClient, nil, logger)
	if err := sources.Refresh(ctx); err != nil {
		logger.Warn("source list unavailable", "error", err)
	}

	task := models.IngestionTask{
		TaskID:        id,
		SourceInput:   rec.URL,
		NormalizedKey: normalize.Key(rec.URL),
		State:         models.StateProcessing,
		CreatedAt:     time.Now(),
	}
	v := service.NewJudge(cfg.Tracker.VerifyGrace).Decide(task, rec, sources)
	out := statusOutput{
		Record: rec,
		Verdict: verdictOutput{
			State:    v.State,
			Reason:   v.Reason,
			Message:  v.Message,
			Items:    v.ItemsExtracted,
			Awaiting: v.Awaiting,
			InSource: v.Source != nil,
		},
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("Task: %s\n", rec.TaskID)
	if rec.URL != "" {
		fmt.Printf("  URL: %s\n", rec.URL)
	}
	fmt.Printf("  Status: %s\n", rec.Status)
	if rec.CurrentStage != "" {
		fmt.Printf("  Stage: %s\n", rec.CurrentStage)
	}
	if rec.PreviewMeta != nil && rec.PreviewMeta.Title != "" {
		fmt.Printf("  Title: %s\n", rec.PreviewMeta.Title)
	}
	if rec.HasCompletedAt() {
		fmt.Printf("  Completed: %s\n", rec.CompletedAt.Time.Format(time.RFC3339))
	}
	fmt.Printf("  Items: %d\n", rec.ItemCount())

	fmt.Printf("Verdict: %s", v.State)
	switch {
	case v.Reason != "":
		fmt.Printf(" (%s: %s)", v.Reason, v.Message)
	case v.Awaiting:
		fmt.Print(" (awaiting verification)")
	case v.Source != nil:
		fmt.Print(" (in source list)")
	}
	fmt.Println()
	return nil
}
