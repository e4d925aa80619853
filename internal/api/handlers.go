package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/manpreetbhatti/padshare/internal/db"
	"github.com/manpreetbhatti/padshare/internal/files"
	"github.com/manpreetbhatti/padshare/internal/room"
	"github.com/manpreetbhatti/padshare/internal/storage"
	"github.com/manpreetbhatti/padshare/internal/ws"
)

// Multipart framing allowance on top of the file size limit
const multipartOverhead = 1 << 20

type API struct {
	hub      *ws.Hub
	rooms    *room.Registry
	files    *files.Coordinator
	database db.Store
	log      *slog.Logger
}

// New wires the HTTP handlers; database may be nil.
func New(hub *ws.Hub, rooms *room.Registry, coord *files.Coordinator, database db.Store, log *slog.Logger) *API {
	return &API{
		hub:      hub,
		rooms:    rooms,
		files:    coord,
		database: database,
		log:      log,
	}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Default().Warn("api.encode", "err", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"status": "error", "error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"known_rooms":    a.rooms.Len(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats(r.Context())
		if err == nil {
			stats["total_rooms"] = dbStats.RoomCount
			stats["total_files"] = dbStats.FileCount
			stats["total_file_bytes"] = dbStats.FileBytes
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// File handlers

func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	if err := storage.ValidateName(roomID); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid room id")
		return
	}

	limit := a.files.Limit()
	if r.ContentLength > limit+multipartOverhead {
		errorResponse(w, http.StatusRequestEntityTooLarge, "File too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	part, err := filePart(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorResponse(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		errorResponse(w, http.StatusBadRequest, "Expected multipart field 'file'")
		return
	}
	defer part.Close()

	f, err := a.files.Upload(r.Context(), roomID, part.FileName(), -1, part)
	if err != nil {
		a.writeFileError(w, err, "Upload failed")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok", "filename": f.Name})
}

// filePart returns the first multipart part named "file"
func filePart(r *http.Request) (*multipart.Part, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" && part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

func (a *API) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	roomID, filename := r.PathValue("room"), r.PathValue("filename")

	f, info, err := a.files.Open(roomID, filename)
	if err != nil {
		a.writeFileError(w, err, "Download failed")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", "attachment; filename*=UTF-8''"+url.PathEscape(filename))
	http.ServeContent(w, r, filename, info.ModTime(), f)
}

func (a *API) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	roomID, filename := r.PathValue("room"), r.PathValue("filename")

	if err := a.files.Delete(r.Context(), roomID, filename); err != nil {
		a.writeFileError(w, err, "Delete failed")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok", "filename": filename})
}

func (a *API) writeFileError(w http.ResponseWriter, err error, fallback string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, files.ErrSizeExceeded), errors.As(err, &tooLarge):
		errorResponse(w, http.StatusRequestEntityTooLarge, "File too large")
	case errors.Is(err, files.ErrNotFound):
		errorResponse(w, http.StatusNotFound, "Not found")
	case errors.Is(err, files.ErrUnsafePath):
		errorResponse(w, http.StatusBadRequest, "Invalid room id or filename")
	default:
		a.log.Error("api.files", "err", err)
		errorResponse(w, http.StatusInternalServerError, fallback)
	}
}

// Room handlers

type RoomResponse struct {
	ID          string      `json:"id"`
	ActiveUsers int         `json:"active_users"`
	TextLength  int         `json:"text_length"`
	Updates     uint64      `json:"updates"`
	Files       []room.File `json:"files,omitempty"`
	Loaded      bool        `json:"loaded"`
}

func describe(rm *room.Room, withFiles bool) RoomResponse {
	resp := RoomResponse{
		ID:          rm.ID,
		ActiveUsers: rm.Count(),
		TextLength:  len(rm.Text()),
		Updates:     rm.UpdateCount(),
		Loaded:      true,
	}
	if withFiles {
		resp.Files = rm.Files()
	}
	return resp
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	all := a.rooms.Rooms()
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}

	response := make([]RoomResponse, 0, end-offset)
	for _, rm := range all[offset:end] {
		response = append(response, describe(rm, false))
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  response,
		"total":  len(all),
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	if err := storage.ValidateName(roomID); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid room id")
		return
	}

	if rm, ok := a.rooms.Get(roomID); ok {
		jsonResponse(w, http.StatusOK, describe(rm, true))
		return
	}

	resp, err := a.persistedRoom(r.Context(), roomID)
	if err != nil {
		a.log.Error("api.room", "room", roomID, "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}
	if resp == nil {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}

// persistedRoom describes a room known to the database but not loaded here
func (a *API) persistedRoom(ctx context.Context, roomID string) (*RoomResponse, error) {
	if a.database == nil {
		return nil, nil
	}
	rec, err := a.database.GetRoom(ctx, roomID)
	if err != nil || rec == nil {
		return nil, err
	}
	rows, err := a.database.ListFiles(ctx, roomID)
	if err != nil {
		return nil, err
	}

	resp := &RoomResponse{ID: rec.ID, TextLength: len(rec.Text)}
	for _, f := range rows {
		resp.Files = append(resp.Files, room.File{Name: f.Name, Size: f.Size, UploadedAt: f.UploadedAt})
	}
	return resp, nil
}
