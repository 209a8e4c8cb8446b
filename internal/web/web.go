package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"rentcal/internal/config"
	"rentcal/internal/importer"
	appLog "rentcal/internal/log"
	"rentcal/internal/model"
	"rentcal/internal/store"
)

// Refresher runs one import cycle on demand.
type Refresher interface {
	RunOnce(ctx context.Context) importer.Report
}

// Server exposes the reconciled booking set over HTTP.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	refresher Refresher
	mux       *http.ServeMux
	now       func() time.Time

	// Timeline responses are cached per window and dropped as soon as the
	// store publishes a new version.
	timelineMu    sync.RWMutex
	timelineCache *timelineCache
}

// NewServer constructs a new Server. refresher may be nil, in which case
// POST /api/refresh answers 503.
func NewServer(cfg *config.Config, st *store.Store, refresher Refresher) *Server {
	s := &Server{
		cfg:       cfg,
		store:     st,
		refresher: refresher,
		mux:       http.NewServeMux(),
		now:       time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="rentcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/timeline", s.handleTimeline)
	s.mux.HandleFunc("GET /api/events", s.handleListEvents)
	s.mux.HandleFunc("POST /api/events", s.handleCreateEvent)
	s.mux.HandleFunc("DELETE /api/events/{id}", s.handleDeleteEvent)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/notes/{id}", s.handleGetNote)
	s.mux.HandleFunc("PUT /api/notes/{id}", s.handlePutNote)
	s.mux.HandleFunc("DELETE /api/notes/{id}", s.handleDeleteNote)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// timelineRow is one unit on the timeline.
type timelineRow struct {
	Unit      string                 `json:"unit"`
	Name      string                 `json:"name"`
	Color     string                 `json:"color"`
	Records   []model.IntervalRecord `json:"records"`
	Lanes     map[string]int         `json:"lanes"`
	LaneCount int                    `json:"lane_count"`
}

// timelineResponse is the JSON response shape for /api/timeline.
type timelineResponse struct {
	Version         uint64        `json:"version"`
	RangeStart      time.Time     `json:"range_start"`
	RangeEnd        time.Time     `json:"range_end"`
	DisplayTimeZone string        `json:"display_timezone"`
	Rows            []timelineRow `json:"rows"`
}

// timelineCache holds one cached /api/timeline response.
type timelineCache struct {
	version   uint64
	from, to  time.Time
	resp      timelineResponse
	updatedAt time.Time
}

const timelineCacheTTL = 30 * time.Second

// handleTimeline lays out every unit's bookings for a window.
//
// GET /api/timeline?from=2025-03-01&to=2025-04-01
//   - from/to: RFC3339 or YYYY-MM-DD in the configured timezone
//   - back/forward: days around now used when from/to are absent
//     (defaults WindowBackDays / WindowForwardDays)
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	loc := resolveLocationOrLocal(s.cfg.Timezone)
	now := s.now().In(loc)

	q := r.URL.Query()
	back := parseIntDefault(q.Get("back"), s.cfg.WindowBackDays)
	if back < 0 {
		back = s.cfg.WindowBackDays
	}
	forward := parseIntDefault(q.Get("forward"), s.cfg.WindowForwardDays)
	if forward <= 0 {
		forward = s.cfg.WindowForwardDays
	}

	from, err := parseTimeDefault(q.Get("from"), loc, now.AddDate(0, 0, -back))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	to, err := parseTimeDefault(q.Get("to"), loc, now.AddDate(0, 0, forward))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "to must be after from")
		return
	}

	version := s.store.Snapshot().Version

	s.timelineMu.RLock()
	tc := s.timelineCache
	s.timelineMu.RUnlock()
	if tc != nil && tc.version == version && tc.from.Equal(from) && tc.to.Equal(to) &&
		s.now().Sub(tc.updatedAt) < timelineCacheTTL {
		writeJSON(w, http.StatusOK, tc.resp)
		return
	}

	version, rows := s.store.Timeline(from, to)
	resp := timelineResponse{
		Version:         version,
		RangeStart:      from,
		RangeEnd:        to,
		DisplayTimeZone: loc.String(),
		Rows:            s.buildRows(rows),
	}

	s.timelineMu.Lock()
	s.timelineCache = &timelineCache{
		version:   version,
		from:      from,
		to:        to,
		resp:      resp,
		updatedAt: s.now(),
	}
	s.timelineMu.Unlock()

	appLog.Debug("api timeline", "from", from.Format(time.RFC3339), "to", to.Format(time.RFC3339),
		"rows", len(resp.Rows), "version", version)
	writeJSON(w, http.StatusOK, resp)
}

// buildRows lists configured units first, in config order, followed by any
// unit that only exists in the store.
func (s *Server) buildRows(rows []store.UnitRow) []timelineRow {
	byUnit := make(map[string]store.UnitRow, len(rows))
	for _, r := range rows {
		byUnit[r.Unit] = r
	}

	out := make([]timelineRow, 0, len(rows)+len(s.cfg.Units))
	seen := make(map[string]bool)
	add := func(key, name, color string) {
		if seen[key] {
			return
		}
		seen[key] = true
		r, ok := byUnit[key]
		if !ok {
			r = store.UnitRow{Unit: key, Records: []model.IntervalRecord{}}
		}
		lanes := r.Layout.LaneByID
		if lanes == nil {
			lanes = map[string]int{}
		}
		out = append(out, timelineRow{
			Unit:      key,
			Name:      name,
			Color:     color,
			Records:   r.Records,
			Lanes:     lanes,
			LaneCount: r.Layout.LaneCount,
		})
	}

	for _, u := range s.cfg.Units {
		add(u.Key, u.Name, u.Color)
	}
	for _, r := range rows {
		add(r.Unit, r.Unit, model.UnitColor(r.Unit))
	}
	return out
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Records(r.URL.Query().Get("unit")))
}

// createEventRequest is the body of POST /api/events. Start and End take
// RFC3339 or YYYY-MM-DD.
type createEventRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Unit        string `json:"unit"`
	Color       string `json:"color"`
	Start       string `json:"start"`
	End         string `json:"end"`
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	loc := resolveLocationOrLocal(s.cfg.Timezone)
	start, err := parseTime(req.Start, loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	end, err := parseTime(req.End, loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	if !end.After(start) {
		writeError(w, http.StatusBadRequest, "end must be after start")
		return
	}

	color := req.Color
	if color == "" {
		if u, ok := s.cfg.Unit(req.Unit); ok {
			color = u.Color
		}
	}

	rec, err := s.store.AddManual(r.Context(), model.IntervalRecord{
		Title:       req.Title,
		Description: req.Description,
		UnitKey:     req.Unit,
		Color:       color,
		Start:       start.UTC(),
		End:         end.UTC(),
	})
	switch {
	case errors.Is(err, store.ErrInvalidInterval):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		// The booking is in the published set; only the write-through failed.
		appLog.Error("api create event: persist failed", err, "id", rec.ID)
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.store.Delete(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "event not found")
		return
	case err != nil:
		appLog.Error("api delete event: persist failed", err, "id", id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh not configured")
		return
	}
	report := s.refresher.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, report)
}

// noteResponse is the JSON shape for /api/notes/{id}.
type noteResponse struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	SavedAt   time.Time `json:"saved_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toNoteResponse(n store.Note) noteResponse {
	return noteResponse{
		ID:        n.RecordID,
		Content:   n.Content,
		SavedAt:   n.SavedAt,
		ExpiresAt: n.ExpiresAt(),
	}
}

func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := s.store.GetNote(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "note not found")
			return
		}
		appLog.Error("api get note failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to read note")
		return
	}
	writeJSON(w, http.StatusOK, toNoteResponse(n))
}

type putNoteRequest struct {
	Content string `json:"content"`
}

func (s *Server) handlePutNote(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req putNoteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	n, err := s.store.SaveNote(r.Context(), id, req.Content)
	if err != nil {
		appLog.Error("api put note failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to save note")
		return
	}
	writeJSON(w, http.StatusOK, toNoteResponse(n))
}

func (s *Server) handleDeleteNote(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteNote(r.Context(), id); err != nil && !errors.Is(err, store.ErrNotFound) {
		appLog.Error("api delete note failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to delete note")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Stats())
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// parseTime accepts RFC3339 or a bare YYYY-MM-DD, read as midnight in loc.
func parseTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time")
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.ParseInLocation(time.DateOnly, v, loc)
}

func parseTimeDefault(v string, loc *time.Location, def time.Time) (time.Time, error) {
	if strings.TrimSpace(v) == "" {
		return def, nil
	}
	return parseTime(v, loc)
}

func resolveLocationOrLocal(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
