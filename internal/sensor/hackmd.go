package sensor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/processor"
	"github.com/starford/koinet-node/internal/rid"
)

// DefaultHackMDURL is the public HackMD API.
const DefaultHackMDURL = "https://api.hackmd.io/v1"

// HackMDConfig selects what the HackMD sensor polls. NoteIDs, when set,
// replaces the team listing.
type HackMDConfig struct {
	BaseURL  string
	Token    string
	TeamPath string
	NoteIDs  []string
}

type hackmdNote struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Content       *string  `json:"content"`
	Tags          []string `json:"tags"`
	CreatedAt     apiTime  `json:"createdAt"`
	LastChangedAt apiTime  `json:"lastChangedAt"`
	PublishLink   string   `json:"publishLink"`
}

// HackMD emits orn:hackmd.note bundles for notes whose lastChangedAt moved
// past what was last emitted or cached.
type HackMD struct {
	api     *apiClient
	team    string
	noteIDs []string
	sink    Submitter
	cache   Cache
	logger  *slog.Logger

	mu    sync.Mutex
	state map[string]time.Time
}

// NewHackMD creates a HackMD sensor. cache may be nil.
func NewHackMD(cfg HackMDConfig, httpClient *http.Client, sink Submitter, cache Cache, logger *slog.Logger) *HackMD {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultHackMDURL
	}
	return &HackMD{
		api:     newAPIClient(httpClient, cfg.BaseURL, cfg.Token, "application/json"),
		team:    cfg.TeamPath,
		noteIDs: cfg.NoteIDs,
		sink:    sink,
		cache:   cache,
		logger:  logger.With(slog.String("sensor", "hackmd")),
		state:   make(map[string]time.Time),
	}
}

// Poll runs one backfill pass; it has the shape of a poll source.
func (h *HackMD) Poll(ctx context.Context) error {
	_, err := h.Backfill(ctx)
	return err
}

// Backfill fetches the configured notes and submits the new or changed
// ones. It returns the number of notes submitted.
func (h *HackMD) Backfill(ctx context.Context) (int, error) {
	if len(h.noteIDs) > 0 {
		return h.backfillTargets(ctx), nil
	}

	var notes []hackmdNote
	if err := h.api.get(ctx, "/teams/"+url.PathEscape(h.team)+"/notes", &notes); err != nil {
		return 0, fmt.Errorf("sensor: hackmd team %s: %w", h.team, err)
	}
	n := 0
	for _, summary := range notes {
		if summary.ID == "" || summary.LastChangedAt.IsZero() {
			h.logger.Warn("sensor: note without id or lastChangedAt", slog.String("id", summary.ID))
			continue
		}
		if !h.newer(summary.ID, summary.LastChangedAt.Time) {
			continue
		}
		details, err := h.note(ctx, summary.ID)
		if err != nil {
			h.logger.Warn("sensor: note fetch failed", slog.String("id", summary.ID), slog.String("error", err.Error()))
			continue
		}
		summary.Content = details.Content
		if h.emit(summary) {
			n++
		}
	}
	if n > 0 {
		h.logger.Info("sensor: hackmd backfill submitted", slog.Int("notes", n), slog.Int("listed", len(notes)))
	}
	return n, nil
}

func (h *HackMD) backfillTargets(ctx context.Context) int {
	n := 0
	for _, id := range h.noteIDs {
		details, err := h.note(ctx, id)
		if err != nil {
			h.logger.Warn("sensor: note fetch failed", slog.String("id", id), slog.String("error", err.Error()))
			continue
		}
		if details.ID == "" {
			details.ID = id
		}
		if details.LastChangedAt.IsZero() {
			h.logger.Warn("sensor: note without lastChangedAt", slog.String("id", id))
			continue
		}
		if h.newer(id, details.LastChangedAt.Time) && h.emit(*details) {
			n++
		}
	}
	return n
}

func (h *HackMD) note(ctx context.Context, id string) (*hackmdNote, error) {
	var note hackmdNote
	if err := h.api.get(ctx, "/notes/"+url.PathEscape(id), &note); err != nil {
		return nil, err
	}
	if note.Content == nil {
		return nil, fmt.Errorf("sensor: note %s has no content", id)
	}
	return &note, nil
}

// newer reports whether changed is past the last known version of id,
// seeding the state from the cache on first sight.
func (h *HackMD) newer(id string, changed time.Time) bool {
	h.mu.Lock()
	prev, ok := h.state[id]
	h.mu.Unlock()
	if !ok && h.cache != nil {
		if b, err := h.cache.Read(HackMDRID(id)); err == nil {
			prev = b.Manifest.Timestamp
			h.mu.Lock()
			h.state[id] = prev
			h.mu.Unlock()
		}
	}
	return changed.After(prev)
}

func (h *HackMD) emit(note hackmdNote) bool {
	title := strings.TrimSpace(note.Title)
	if title == "" {
		title = "Note " + note.ID
	}
	contents := map[string]any{
		"id":            note.ID,
		"title":         title,
		"content":       *note.Content,
		"createdAt":     formatTime(note.CreatedAt.Time),
		"lastChangedAt": formatTime(note.LastChangedAt.Time),
		"publishLink":   note.PublishLink,
		"tags":          stringsToAny(note.Tags),
	}
	b, err := models.GenerateBundle(HackMDRID(note.ID), contents, note.LastChangedAt.Time)
	if err != nil {
		h.logger.Warn("sensor: bundle failed", slog.String("id", note.ID), slog.String("error", err.Error()))
		return false
	}
	if !h.sink.Submit(processor.FromBundle(b, models.SourceLocal)) {
		return false
	}
	h.mu.Lock()
	h.state[note.ID] = note.LastChangedAt.Time
	h.mu.Unlock()
	h.logger.Debug("sensor: note submitted", slog.String("id", note.ID), slog.String("title", title))
	return true
}

// HackMDRID returns the record identifier of a HackMD note.
func HackMDRID(id string) rid.RID { return rid.New(rid.HackMDNote, id) }
