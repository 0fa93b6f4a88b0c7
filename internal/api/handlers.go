package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/keeper/internal/daemon"
)

// statusResponse is the payload of GET /api/v1/status.
type statusResponse struct {
	Daemon  daemon.Stats `json:"daemon"`
	Uptime  string       `json:"uptime"`
	Version string       `json:"version"`
}

// handleStatus returns the daemon and resource status snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Daemon:  s.daemon.Stats(),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Version: s.version,
	})
}

// defaultJournalLimit bounds GET /journal when no limit is given.
const defaultJournalLimit = 50

// handleJournal returns recent supervision transitions, newest first.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "journal is not configured")
		return
	}

	limit := defaultJournalLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("journal query failed", "error", err)
		writeInternalError(w, "journal query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleDaemonStart begins a fresh supervision episode.
func (s *Server) handleDaemonStart(w http.ResponseWriter, r *http.Request) {
	if status := s.daemon.Status(); status != daemon.StatusDead && status != daemon.StatusInit {
		writeError(w, http.StatusConflict, ErrCodeConflict, "daemon is already supervising (status "+string(status)+")")
		return
	}

	s.logger.Info("daemon start requested",
		"subject", r.Context().Value(ctxKeySubject),
	)
	// Attempts must outlive the request, so they run under the server's
	// supervision context rather than the request context.
	s.daemon.Start(s.superviseCtx)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": string(s.daemon.Status()),
	})
}

// handleDaemonStop terminates the current supervision episode.
func (s *Server) handleDaemonStop(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("daemon stop requested",
		"subject", r.Context().Value(ctxKeySubject),
	)
	s.daemon.Stop()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": string(s.daemon.Status()),
	})
}
