package scan

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zombor/nutriscan/internal/history"
	"github.com/zombor/nutriscan/internal/scanning"
)

const (
	// maxUploadSize accommodates high-resolution phone photos
	maxUploadSize = int64(50 << 20)

	shutdownTimeout = 10 * time.Second
	wsWriteTimeout  = 10 * time.Second
)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// handleHealth reports dependency status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok, message := s.health.CheckHealth(r.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ok":      ok,
		"message": message,
	})
}

// handleScan runs a scan on an uploaded label photo
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorMsg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		writeError(w, errorMsg, http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a photo of the label."
		}
		writeError(w, errorMsg, http.StatusBadRequest)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	userID := r.FormValue("user_id")
	if userID == "" {
		userID = r.Header.Get("X-User-ID")
	}

	img := scanning.Image{
		Data:        data,
		ContentType: uploadContentType(header.Header.Get("Content-Type"), header.Filename),
	}

	outcome, err := s.orchestrator.Scan(r.Context(), Request{Image: img, UserID: userID})
	switch {
	case errors.Is(err, ErrScanInProgress):
		writeError(w, "A scan is already in progress", http.StatusConflict)
		return
	case errors.Is(err, ErrScanCanceled):
		writeJSON(w, http.StatusOK, map[string]any{"canceled": true})
		return
	case err != nil:
		writeJSON(w, http.StatusUnprocessableEntity, outcome)
		return
	}

	if outcome.Record.ScanID != "" && s.history != nil {
		if _, err := s.history.AttachImage(r.Context(), outcome.Record.ScanID, data, img.ContentType); err != nil {
			slog.Warn("Failed to archive label image", "scan_id", outcome.Record.ScanID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, outcome)
}

// uploadContentType picks the upload's content type, guessing from the
// filename extension when the client did not send one
func uploadContentType(declared, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(declared))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleCancel cancels the running scan
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"canceled": s.orchestrator.Cancel(),
	})
}

// handleState returns the current scan state
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orchestrator.State())
}

// handleClearError dismisses the error of the last scan
func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	s.orchestrator.ClearError()
	writeJSON(w, http.StatusOK, s.orchestrator.State())
}

// handleClearResult dismisses the result of the last scan
func (s *Server) handleClearResult(w http.ResponseWriter, r *http.Request) {
	s.orchestrator.ClearResult()
	writeJSON(w, http.StatusOK, s.orchestrator.State())
}

// handleProgress streams scan state over a websocket until the client goes away
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Error upgrading to websocket", "error", err)
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.orchestrator.Subscribe()
	defer unsubscribe()

	// Reads only detect the client closing the connection
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				unsubscribe()
				return
			}
		}
	}()

	for state := range updates {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(state); err != nil {
			slog.Debug("Progress stream closed", "error", err)
			return
		}
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// handleGetScan returns a single saved scan
func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	entry, err := s.history.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.historyError(w, "Scan not found", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleDeleteScan deletes a saved scan and its image
func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	if err := s.history.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.historyError(w, "Error deleting scan", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetScanImage returns the archived label photo of a scan
func (s *Server) handleGetScanImage(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.history.Image(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.historyError(w, "Image not found", err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleListScans returns a user's saved scans, newest first
func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.history.List(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		s.historyError(w, "Internal server error", err)
		return
	}

	// Ensure we always return an array, not nil
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleDeleteUserScans deletes every saved scan of a user
func (s *Server) handleDeleteUserScans(w http.ResponseWriter, r *http.Request) {
	count, err := s.history.DeleteAllForUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.historyError(w, "Error deleting scans", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": count})
}

// handleExport returns a user's scan history as a spreadsheet
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	data, err := s.history.Export(r.Context(), userID)
	if err != nil {
		s.historyError(w, "Error exporting scans", err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "nutriscan-"+userID+".xlsx"))
	w.Write(data)
}

// historyError maps history errors onto responses
func (s *Server) historyError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, history.ErrNotFound):
		writeError(w, "Scan not found", http.StatusNotFound)
	case errors.Is(err, history.ErrMissingUser):
		writeError(w, "User ID required", http.StatusBadRequest)
	default:
		slog.Error(message, "error", err)
		writeError(w, message, http.StatusInternalServerError)
	}
}
