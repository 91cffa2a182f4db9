package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/factgraph/internal/models"
	"github.com/raphaelgruber/factgraph/internal/preview"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List and manage persisted tasks",
	Long: `List the tasks persisted for the configured namespace.
Requires the task store (store.enabled or FACTGRAPH_STORE=true).

Examples:
  factgraph tasks
  factgraph tasks dismiss 4f1c2a
  factgraph tasks export tasks.yaml
  factgraph tasks prune`,
	Args: cobra.NoArgs,
	RunE: runTasksList,
}

var tasksDismissCmd = &cobra.Command{
	Use:   "dismiss <task-id>...",
	Short: "Delete persisted tasks",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTasksDismiss,
}

var tasksClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every persisted task of the namespace",
	Args:  cobra.NoArgs,
	RunE:  runTasksClear,
}

var tasksExportCmd = &cobra.Command{
	Use:   "export [path]",
	Short: "Export persisted tasks as YAML (stdout when no path is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTasksExport,
}

var tasksPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete persisted tasks older than the retention window",
	Args:  cobra.NoArgs,
	RunE:  runTasksPrune,
}

func init() {
	tasksCmd.AddCommand(tasksDismissCmd)
	tasksCmd.AddCommand(tasksClearCmd)
	tasksCmd.AddCommand(tasksExportCmd)
	tasksCmd.AddCommand(tasksPruneCmd)
}

func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func runTasksList(cmd *cobra.Command, args []string) error {
	ctx, cancel := storeContext()
	defer cancel()

	s, err := requireStore(ctx)
	if err != nil {
		return err
	}
	tasks, err := s.ListTasks(ctx, cfg.Tracker.Namespace)
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	fmt.Printf("%-14s %-11s %-26s %-9s %s\n", "ID", "STATE", "DETAIL", "CREATED", "TITLE")
	fmt.Println(strings.Repeat("-", 90))
	for _, c := range preview.FromTasks(tasks) {
		fmt.Printf("%-14s %-11s %-26s %-9s %s\n",
			truncateText(c.TaskID, 14), c.State, truncateText(cardDetail(c), 26),
			c.CreatedAt.Local().Format("15:04:05"), truncateText(c.Title, 40))
	}
	return nil
}

func cardDetail(c preview.Card) string {
	switch c.State {
	case models.StateCompleted:
		return fmt.Sprintf("%d items", c.Items)
	case models.StateError:
		return string(c.ErrorReason)
	default:
		return c.StageLabel
	}
}

func runTasksDismiss(cmd *cobra.Command, args []string) error {
	ctx, cancel := storeContext()
	defer cancel()

	s, err := requireStore(ctx)
	if err != nil {
		return err
	}
	for _, id := range args {
		if err := s.DeleteTask(ctx, cfg.Tracker.Namespace, id); err != nil {
			return err
		}
		fmt.Printf("Dismissed %s\n", id)
	}
	return nil
}

func runTasksClear(cmd *cobra.Command, args []string) error {
	ctx, cancel := storeContext()
	defer cancel()

	s, err := requireStore(ctx)
	if err != nil {
		return err
	}
	if err := s.ClearTasks(ctx, cfg.Tracker.Namespace); err != nil {
		return err
	}
	fmt.Printf("Cleared namespace %s\n", cfg.Tracker.Namespace)
	return nil
}

func runTasksPrune(cmd *cobra.Command, args []string) error {
	ctx, cancel := storeContext()
	defer cancel()

	s, err := requireStore(ctx)
	if err != nil {
		return err
	}
	n, err := s.PruneTasks(ctx, cfg.Tracker.Namespace, time.Now().Add(-cfg.Tracker.Retention))
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d task(s)\n", n)
	return nil
}

// exportedTask is the YAML shape of an exported task.
type exportedTask struct {
	ID         string     `yaml:"id"`
	Input      string     `yaml:"input"`
	Key        string     `yaml:"key"`
	State      string     `yaml:"state"`
	Stage      string     `yaml:"stage,omitempty"`
	Title      string     `yaml:"title,omitempty"`
	Items      int        `yaml:"items,omitempty"`
	Error      string     `yaml:"error,omitempty"`
	CreatedAt  time.Time  `yaml:"created_at"`
	ResolvedAt *time.Time `yaml:"resolved_at,omitempty"`
}

type exportDoc struct {
	Namespace  string         `yaml:"namespace"`
	ExportedAt time.Time      `yaml:"exported_at"`
	Tasks      []exportedTask `yaml:"tasks"`
}

func exportTasks(w io.Writer, namespace string, tasks []models.IngestionTask, now time.Time) error {
	doc := exportDoc{Namespace: namespace, ExportedAt: now.UTC(), Tasks: make([]exportedTask, 0, len(tasks))}
	for _, t := range tasks {
		c := preview.FromTask(t)
		e := exportedTask{
			ID:         t.TaskID,
			Input:      t.SourceInput,
			Key:        t.NormalizedKey,
			State:      string(t.State),
			Stage:      string(t.Stage),
			Title:      c.Title,
			Items:      c.Items,
			CreatedAt:  t.CreatedAt.UTC(),
			ResolvedAt: t.ResolvedAt,
		}
		if t.State == models.StateError {
			e.Error = fmt.Sprintf("%s: %s", t.ErrorReason, c.ErrorMessage)
		}
		doc.Tasks = append(doc.Tasks, e)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	return enc.Close()
}

func runTasksExport(cmd *cobra.Command, args []string) error {
	ctx, cancel := storeContext()
	defer cancel()

	s, err := requireStore(ctx)
	if err != nil {
		return err
	}
	tasks, err := s.ListTasks(ctx, cfg.Tracker.Namespace)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("create export file: %w", err)
		}
		defer f.Close()
		out = f
	}
	if err := exportTasks(out, cfg.Tracker.Namespace, tasks, time.Now()); err != nil {
		return err
	}
	if out != os.Stdout {
		fmt.Fprintf(os.Stderr, "Exported %d task(s) to %s\n", len(tasks), args[0])
	}
	return nil
}
