package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// TaskStatus is the upstream status of an extraction task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Timestamp decodes RFC 3339 times, the zone-less ISO times the extraction
// service emits and Unix epoch numbers (seconds, or milliseconds when the
// value is too large to be seconds). Zone-less values are read as UTC until
// the client places them in the service's zone.
type Timestamp struct {
	time.Time

	naive bool
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
const epochMillisThreshold = 1e11

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	*t = Timestamp{}
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] != '"' {
		var epoch float64
		if err := json.Unmarshal(data, &epoch); err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		if epoch == 0 {
			return nil
		}
		if math.Abs(epoch) >= epochMillisThreshold {
			t.Time = time.UnixMilli(int64(epoch)).UTC()
			return nil
		}
		sec, frac := math.Modf(epoch)
		t.Time = time.Unix(int64(sec), int64(frac*1e9)).UTC()
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed
		return nil
	}
	for _, layout := range timestampLayouts[1:] {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			t.naive = true
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognized format %q", s)
}

// Naive reports whether the value carried no zone of its own.
func (t Timestamp) Naive() bool {
	return t.naive
}

// Localize reads a zone-less value as wall time in loc. Zoned values and a
// nil loc are left alone.
func (t *Timestamp) Localize(loc *time.Location) {
	if t == nil || !t.naive || loc == nil || t.IsZero() {
		return
	}
	y, mo, d := t.Date()
	h, mi, sec := t.Clock()
	t.Time = time.Date(y, mo, d, h, mi, sec, t.Nanosecond(), loc)
	t.naive = false
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// PreviewMeta is the quick page preview produced before extraction.
type PreviewMeta struct {
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	SiteName     string `json:"site_name,omitempty"`
}

// ExtractionResult carries the fetch diagnostics of a task.
type ExtractionResult struct {
	IsReadable     *bool  `json:"is_readable,omitempty"`
	BlockDetection bool   `json:"block_detection,omitempty"`
	Title          string `json:"title,omitempty"`
	Domain         string `json:"domain,omitempty"`
}

// TokenCosts reports LLM tokens consumed per pipeline step.
type TokenCosts struct {
	Total         float64 `json:"total"`
	Semantization float64 `json:"semantization"`
}

// SemanticData holds the items extracted by the final stage.
// Older records name the list "claims".
type SemanticData struct {
	Items  []json.RawMessage `json:"items,omitempty"`
	Claims []json.RawMessage `json:"claims,omitempty"`
}

// ItemCount returns the number of extracted items.
func (s *SemanticData) ItemCount() int {
	if s == nil {
		return 0
	}
	if len(s.Items) > 0 {
		return len(s.Items)
	}
	return len(s.Claims)
}

// TaskRecord is the remote view of a task returned by GET /task/{id}.
type TaskRecord struct {
	TaskID       string            `json:"task_id"`
	URL          string            `json:"url,omitempty"`
	CanonicalURL string            `json:"canonical_url,omitempty"`
	Status       TaskStatus        `json:"status"`
	CurrentStage string            `json:"current_stage,omitempty"`
	CreatedAt    *Timestamp        `json:"created_at,omitempty"`
	CompletedAt  *Timestamp        `json:"completed_at,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	BlockReason  string            `json:"block_reason,omitempty"`
	PreviewMeta  *PreviewMeta      `json:"preview_meta,omitempty"`
	Result       *ExtractionResult `json:"result,omitempty"`
	TokenCosts   *TokenCosts       `json:"token_costs,omitempty"`
	SemanticData *SemanticData     `json:"semantic_data,omitempty"`
}

// ItemCount returns the number of extracted items on the record.
func (r *TaskRecord) ItemCount() int {
	return r.SemanticData.ItemCount()
}

// Localize places the record's zone-less timestamps in loc.
func (r *TaskRecord) Localize(loc *time.Location) {
	r.CreatedAt.Localize(loc)
	r.CompletedAt.Localize(loc)
}

// HasCompletedAt reports whether the record carries a completion stamp.
func (r *TaskRecord) HasCompletedAt() bool {
	return r.CompletedAt != nil && !r.CompletedAt.IsZero()
}

// CacheResult is the answer of GET /checkCache.
type CacheResult struct {
	CacheHit     bool              `json:"cache_hit"`
	TaskID       string            `json:"task_id,omitempty"`
	Result       *ExtractionResult `json:"result,omitempty"`
	SemanticData *SemanticData     `json:"semantic_data,omitempty"`
}

// SourceEntry is one item of the authoritative source list.
type SourceEntry struct {
	IdentityURL string `json:"identityUrl"`
	Title       string `json:"title,omitempty"`
	ItemCount   *int   `json:"itemCount,omitempty"`
}

// PagePreview is cached page metadata from GET /preview.
type PagePreview struct {
	URL            string `json:"url"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	Image          string `json:"image,omitempty"`
	SiteName       string `json:"site_name,omitempty"`
	PreviewQuality string `json:"preview_quality,omitempty"`
	IsCached       bool   `json:"is_cached"`
	IsRogue        bool   `json:"is_rogue"`
}
