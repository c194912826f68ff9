package apihttp

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	esdomain "magicsaas-pipeline/internal/eventstore/domain"
	"magicsaas-pipeline/internal/eventstore/interfaces/export"
	occdomain "magicsaas-pipeline/internal/occupancy/domain"
)

// EventReader is the read side of the event store.
type EventReader interface {
	Stats(ctx context.Context) (esdomain.Stats, error)
	GetAggregateEvents(ctx context.Context, aggregate, aggregateID string, from int) ([]esdomain.SystemEvent, error)
	GetEventsByType(ctx context.Context, eventType string, limit int) ([]esdomain.SystemEvent, error)
	GetLayerEvents(ctx context.Context, layer esdomain.Layer, limit int) ([]esdomain.SystemEvent, error)
}

// RoomReader exposes live occupancy state.
type RoomReader interface {
	State(tenantID, roomID string) (occdomain.RoomState, bool)
	Snapshot() []occdomain.RoomState
}

// EventsHandler serves event store queries.
type EventsHandler struct {
	store EventReader
}

// NewEventsHandler constructs an EventsHandler.
func NewEventsHandler(store EventReader) (*EventsHandler, error) {
	if store == nil {
		return nil, errors.New("events handler: nil store")
	}
	return &EventsHandler{store: store}, nil
}

// Stats handles GET /v1/events/stats. format=text|xlsx|pdf renders an export instead of JSON.
func (h *EventsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		http.Error(w, "query stats error", http.StatusInternalServerError)
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" || format == "json" {
		writeJSON(w, stats)
		return
	}

	var buf bytes.Buffer
	if err := export.Render(&buf, stats, format); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch format {
	case export.FormatXLSX:
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="event-stats.xlsx"`)
	case export.FormatPDF:
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="event-stats.pdf"`)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	_, _ = w.Write(buf.Bytes())
}

// List handles GET /v1/events?type=T or ?layer=L, with optional limit.
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseIntQuery(r, "limit")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var events []esdomain.SystemEvent
	switch {
	case query.Get("type") != "":
		events, err = h.store.GetEventsByType(r.Context(), query.Get("type"), limit)
	case query.Get("layer") != "":
		layer, perr := esdomain.ParseLayer(query.Get("layer"))
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusBadRequest)
			return
		}
		events, err = h.store.GetLayerEvents(r.Context(), layer, limit)
	default:
		http.Error(w, "type or layer is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		respondStoreError(w, err)
		return
	}
	writeJSON(w, nonNil(events))
}

// Aggregate handles GET /v1/events/{aggregate}/{id}?from=N.
func (h *EventsHandler) Aggregate(w http.ResponseWriter, r *http.Request) {
	from, err := parseIntQuery(r, "from")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := h.store.GetAggregateEvents(r.Context(), chi.URLParam(r, "aggregate"), chi.URLParam(r, "id"), from)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	writeJSON(w, nonNil(events))
}

// RoomsHandler serves occupancy state.
type RoomsHandler struct {
	rooms RoomReader
}

// NewRoomsHandler constructs a RoomsHandler.
func NewRoomsHandler(rooms RoomReader) (*RoomsHandler, error) {
	if rooms == nil {
		return nil, errors.New("rooms handler: nil reader")
	}
	return &RoomsHandler{rooms: rooms}, nil
}

// List handles GET /v1/rooms.
func (h *RoomsHandler) List(w http.ResponseWriter, r *http.Request) {
	rooms := h.rooms.Snapshot()
	if rooms == nil {
		rooms = []occdomain.RoomState{}
	}
	writeJSON(w, rooms)
}

// Get handles GET /v1/rooms/{tenant}/{room}.
func (h *RoomsHandler) Get(w http.ResponseWriter, r *http.Request) {
	state, ok := h.rooms.State(chi.URLParam(r, "tenant"), chi.URLParam(r, "room"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, state)
}

func respondStoreError(w http.ResponseWriter, err error) {
	var invalid *esdomain.ValidationError
	if errors.As(err, &invalid) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Error(w, "query events error", http.StatusInternalServerError)
}

func parseIntQuery(r *http.Request, key string) (int, error) {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return parsed, nil
}

func nonNil(events []esdomain.SystemEvent) []esdomain.SystemEvent {
	if events == nil {
		return []esdomain.SystemEvent{}
	}
	return events
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}
