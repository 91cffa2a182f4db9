package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/raphaelgruber/factgraph/internal/models"
	"github.com/raphaelgruber/factgraph/internal/preview"
	"github.com/raphaelgruber/factgraph/internal/service"
)

// watchSet follows a fixed set of tasks until each is terminal or gone.
type watchSet struct {
	cards   map[string]preview.Card
	order   []string
	pending map[string]bool
}

func newWatchSet(tasks []models.IngestionTask) *watchSet {
	w := &watchSet{
		cards:   make(map[string]preview.Card),
		pending: make(map[string]bool),
	}
	for _, t := range tasks {
		if _, ok := w.cards[t.TaskID]; ok {
			continue
		}
		w.order = append(w.order, t.TaskID)
		w.cards[t.TaskID] = preview.FromTask(t)
		if !t.State.Terminal() {
			w.pending[t.TaskID] = true
		}
	}
	return w
}

// apply folds ev into the set and returns the affected card.
func (w *watchSet) apply(ev service.Event) (preview.Card, bool) {
	if ev.Type == service.EventCleared {
		for id := range w.pending {
			delete(w.pending, id)
		}
		return preview.Card{}, false
	}

	id := ev.Task.TaskID
	if ev.PrevID != "" {
		if _, ok := w.cards[ev.PrevID]; ok {
			w.rename(ev.PrevID, id)
		}
	}
	if _, ok := w.cards[id]; !ok {
		return preview.Card{}, false
	}

	card := preview.FromTask(ev.Task)
	w.cards[id] = card
	if ev.Type == service.EventRemoved || card.State.Terminal() {
		delete(w.pending, id)
	}
	return card, true
}

func (w *watchSet) rename(from, to string) {
	for i, id := range w.order {
		if id == from {
			w.order[i] = to
		}
	}
	w.cards[to] = w.cards[from]
	delete(w.cards, from)
	if w.pending[from] {
		delete(w.pending, from)
		w.pending[to] = true
	}
}

func (w *watchSet) done() bool {
	return len(w.pending) == 0
}

func (w *watchSet) failed() int {
	n := 0
	for _, c := range w.cards {
		if c.State == models.StateError {
			n++
		}
	}
	return n
}

func (w *watchSet) list() []preview.Card {
	out := make([]preview.Card, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.cards[id])
	}
	return out
}

// cardLine renders one card as a single line of plain text.
func cardLine(c preview.Card) string {
	switch c.State {
	case models.StateCompleted:
		return fmt.Sprintf("✓ %s  %s (%d items)", c.TaskID, c.Title, c.Items)
	case models.StateError:
		return fmt.Sprintf("✗ %s  %s: %s", c.TaskID, c.Title, c.ErrorMessage)
	default:
		label := c.StageLabel
		if label == "" {
			label = "Queued"
		}
		return fmt.Sprintf("… %s  %s [%d/%d %s]", c.TaskID, c.Title, c.StageIndex+1, c.StageCount, label)
	}
}

// watchPlain prints a line whenever a watched card changes and returns
// once every task is resolved, the stream ends, or ctx is cancelled.
func watchPlain(ctx context.Context, out io.Writer, set *watchSet, events <-chan service.Event) error {
	last := make(map[string]string)
	for _, c := range set.list() {
		line := cardLine(c)
		last[c.TaskID] = line
		fmt.Fprintln(out, line)
	}

	for !set.done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			card, changed := set.apply(ev)
			if !changed {
				continue
			}
			if line := cardLine(card); line != last[card.TaskID] {
				last[card.TaskID] = line
				fmt.Fprintln(out, line)
			}
		}
	}
	return nil
}
