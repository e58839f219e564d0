package dashboard

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/steveyegge/catchlog/internal/db"
	"github.com/steveyegge/catchlog/internal/events"
	"github.com/steveyegge/catchlog/internal/schema"
)

// StatsSource reports store statistics. *db.DB satisfies it.
type StatsSource interface {
	Stats(ctx context.Context) (*db.Stats, error)
	ActiveSession(ctx context.Context) (*schema.Session, error)
}

// StatsData is the payload of a stats message.
type StatsData struct {
	Sessions      int            `json:"sessions"`
	TrackPoints   int            `json:"track_points"`
	Catches       int            `json:"catches"`
	Photos        int            `json:"photos"`
	Unsynced      map[string]int `json:"unsynced"`
	Pending       int            `json:"pending"`
	MaxRetries    int            `json:"max_retries"`
	ActiveSession string         `json:"active_session,omitempty"`
}

// Handler forwards events to the server and follows every data-changing
// event with fresh stats.
type Handler struct {
	server *Server
	source StatsSource
	logger *log.Logger
}

// NewHandler creates a handler publishing through server.
func NewHandler(server *Server, source StatsSource, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{server: server, source: source, logger: logger}
}

// Publish implements events.Publisher.
func (h *Handler) Publish(ctx context.Context, ev events.Event) error {
	if err := h.server.Publish(ctx, ev); err != nil {
		return err
	}
	if changesStats(ev.Type) {
		return h.RefreshStats(ctx)
	}
	return nil
}

// RefreshStats reads the store and broadcasts a stats message.
func (h *Handler) RefreshStats(ctx context.Context) error {
	data, err := h.Snapshot(ctx)
	if err != nil {
		return err
	}
	return h.server.Publish(ctx, events.New(events.TypeStats, data))
}

// Snapshot builds the current stats payload.
func (h *Handler) Snapshot(ctx context.Context) (*StatsData, error) {
	st, err := h.source.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}

	data := &StatsData{
		Sessions:    st.Sessions,
		TrackPoints: st.TrackPoints,
		Catches:     st.Catches,
		Photos:      st.Photos,
		Unsynced:    make(map[string]int, len(st.Unsynced)),
		Pending:     st.Queue.Pending,
		MaxRetries:  st.Queue.MaxRetries,
	}
	for kind, n := range st.Unsynced {
		data.Unsynced[string(kind)] = n
	}

	if active, err := h.source.ActiveSession(ctx); err == nil {
		data.ActiveSession = active.ID
	}
	return data, nil
}

func changesStats(t events.Type) bool {
	switch t {
	case events.TypeTrackPoint, events.TypeCatch, events.TypeSessionStarted,
		events.TypeSessionStopped, events.TypeSyncComplete:
		return true
	}
	return false
}
