// Package preview maps tracked tasks into display cards for UIs.
package preview

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/raphaelgruber/factgraph/internal/models"
	"github.com/raphaelgruber/factgraph/internal/normalize"
)

const maxTitleRunes = 80

// paywalledDomains are sites that usually block extraction.
var paywalledDomains = []string{
	"reuters.com",
	"wsj.com",
	"ft.com",
	"economist.com",
	"nytimes.com",
	"bloomberg.com",
	"inmediahk.net",
	"scmp.com",
	"washingtonpost.com",
}

// Card is the normalized view of a task.
type Card struct {
	TaskID    string                `json:"taskId"`
	Input     string                `json:"input"`
	State     models.LifecycleState `json:"state"`
	Temporary bool                  `json:"temporary,omitempty"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	Domain      string `json:"domain,omitempty"`

	Stage      models.Stage `json:"stage,omitempty"`
	StageLabel string       `json:"stageLabel,omitempty"`
	StageIndex int          `json:"stageIndex"`
	StageCount int          `json:"stageCount"`

	Items int `json:"items,omitempty"`

	ErrorReason  models.ErrorReason `json:"errorReason,omitempty"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
	Dismissible  bool               `json:"dismissible"`
	Paywalled    bool               `json:"paywalled,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// FromTask builds the card for task.
func FromTask(task models.IngestionTask) Card {
	c := Card{
		TaskID:      task.TaskID,
		Input:       task.SourceInput,
		State:       task.State,
		Temporary:   task.IsTemporary(),
		Stage:       task.Stage,
		StageIndex:  task.Stage.Index(),
		StageCount:  len(models.Stages),
		CreatedAt:   task.CreatedAt,
		ResolvedAt:  task.ResolvedAt,
		Dismissible: task.State == models.StateError,
	}

	if p := task.Preview; p != nil {
		c.Title = p.Title
		c.Description = p.Description
		c.ImageURL = p.ImageURL
		c.Domain = p.Domain
	}
	if c.Domain == "" {
		c.Domain = normalize.Domain(task.SourceInput)
	}
	if c.Title == "" {
		c.Title = c.Domain
	}
	if c.Title == "" {
		c.Title = truncate(strings.TrimSpace(task.SourceInput), maxTitleRunes)
	}
	c.Paywalled = IsPaywalled(c.Domain)

	switch task.State {
	case models.StateProcessing:
		c.StageLabel = task.Stage.Label()
	case models.StateCompleted:
		c.StageIndex = len(models.Stages) - 1
		c.StageLabel = "Done"
		if task.Result != nil {
			c.Items = task.Result.ItemsExtracted
		}
	case models.StateError:
		c.ErrorReason = task.ErrorReason
		c.ErrorMessage = task.ErrorMessage
		if c.ErrorMessage == "" {
			c.ErrorMessage = task.ErrorReason.Message()
		}
	}
	return c
}

// FromTasks builds cards in the same order as tasks.
func FromTasks(tasks []models.IngestionTask) []Card {
	cards := make([]Card, len(tasks))
	for i, t := range tasks {
		cards[i] = FromTask(t)
	}
	return cards
}

// Progress returns the fraction of the pipeline reached, between 0 and 1.
func (c Card) Progress() float64 {
	if c.StageCount == 0 || c.StageIndex < 0 {
		return 0
	}
	if c.State == models.StateCompleted {
		return 1
	}
	return float64(c.StageIndex+1) / float64(c.StageCount)
}

// IsPaywalled reports whether domain belongs to a site known to block extraction.
func IsPaywalled(domain string) bool {
	domain = strings.ToLower(domain)
	if domain == "" {
		return false
	}
	for _, d := range paywalledDomains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
