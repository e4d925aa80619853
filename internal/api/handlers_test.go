package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/padshare/internal/db"
	"github.com/manpreetbhatti/padshare/internal/files"
	"github.com/manpreetbhatti/padshare/internal/metrics"
	"github.com/manpreetbhatti/padshare/internal/ratelimit"
	"github.com/manpreetbhatti/padshare/internal/room"
	"github.com/manpreetbhatti/padshare/internal/storage"
	"github.com/manpreetbhatti/padshare/internal/ws"
	"github.com/prometheus/client_golang/prometheus"
)

const testLimit = 1024

func setupTestAPI(t *testing.T) (*API, *db.SQLite) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	database, err := db.NewSQLite(filepath.Join(dir, "test.db"), logger)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store, err := storage.NewFS(filepath.Join(dir, "uploads"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	registry := room.NewRegistry(nil)
	hub := ws.NewHub(logger, registry, nil, ws.DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	coord := files.New(store, hub, database, testLimit, logger)
	return New(hub, registry, coord, database, logger), database
}

func setupTestServer(t *testing.T) (*httptest.Server, *API) {
	t.Helper()

	api, _ := setupTestAPI(t)
	srv := httptest.NewServer(api.Routes(RouterConfig{
		Metrics: metrics.NewHTTP(prometheus.NewRegistry()),
	}))
	t.Cleanup(srv.Close)
	return srv, api
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	fw.Write(content)
	mw.Close()
	return body, mw.FormDataContentType()
}

func decodeJSON(t *testing.T, r io.Reader) map[string]any {
	t.Helper()

	var response map[string]any
	if err := json.NewDecoder(r).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return response
}

func TestHealthHandler(t *testing.T) {
	api, _ := setupTestAPI(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	api.HealthHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	response := decodeJSON(t, w.Body)
	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", response["status"])
	}
}

func TestStatsHandler(t *testing.T) {
	api, _ := setupTestAPI(t)

	req := httptest.NewRequest("GET", "/api/stats", nil)
	w := httptest.NewRecorder()

	api.StatsHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	response := decodeJSON(t, w.Body)
	for _, key := range []string{"active_rooms", "active_clients", "known_rooms", "total_files"} {
		if _, ok := response[key]; !ok {
			t.Errorf("Response should contain '%s'", key)
		}
	}
}

func TestUploadHandler(t *testing.T) {
	srv, _ := setupTestServer(t)

	tests := []struct {
		name           string
		path           string
		filename       string
		content        []byte
		expectedStatus int
	}{
		{
			name:           "Small file",
			path:           "/upload/r1",
			filename:       "notes.txt",
			content:        []byte("hello"),
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Over the limit",
			path:           "/upload/r1",
			filename:       "big.bin",
			content:        bytes.Repeat([]byte("x"), testLimit+1),
			expectedStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name:           "Unsafe room",
			path:           "/upload/bad%5Cname",
			filename:       "notes.txt",
			content:        []byte("hello"),
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Reserved filename",
			path:           "/upload/r1",
			filename:       ".upload-x",
			content:        []byte("hello"),
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := multipartBody(t, tt.filename, tt.content)
			resp, err := http.Post(srv.URL+tt.path, contentType, body)
			if err != nil {
				t.Fatalf("POST failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, resp.StatusCode)
			}
			response := decodeJSON(t, resp.Body)
			if tt.expectedStatus == http.StatusOK {
				if response["status"] != "ok" || response["filename"] != tt.filename {
					t.Errorf("Unexpected response: %v", response)
				}
			} else if response["status"] != "error" {
				t.Errorf("Expected status 'error', got '%v'", response["status"])
			}
		})
	}
}

func TestUploadMissingFileField(t *testing.T) {
	srv, _ := setupTestServer(t)

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	mw.WriteField("other", "value")
	mw.Close()

	resp, err := http.Post(srv.URL+"/upload/r1", mw.FormDataContentType(), body)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestDownloadNotFound(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/download/r1/missing.txt")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

func TestDeleteNotFound(t *testing.T) {
	srv, _ := setupTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/delete/r1/never.txt", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
	response := decodeJSON(t, resp.Body)
	if response["status"] != "error" {
		t.Errorf("Expected status 'error', got '%v'", response["status"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/upload/r1")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}
}

func TestGetRoom(t *testing.T) {
	srv, api := setupTestServer(t)

	if _, err := api.rooms.GetOrCreate(context.Background(), "live"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if err := api.database.SaveRoomText(context.Background(), "stored", "abc"); err != nil {
		t.Fatalf("SaveRoomText failed: %v", err)
	}

	tests := []struct {
		name           string
		roomID         string
		expectedStatus int
		loaded         bool
	}{
		{name: "Loaded room", roomID: "live", expectedStatus: http.StatusOK, loaded: true},
		{name: "Persisted room", roomID: "stored", expectedStatus: http.StatusOK},
		{name: "Unknown room", roomID: "nope", expectedStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/api/rooms/" + tt.roomID)
			if err != nil {
				t.Fatalf("GET failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.expectedStatus {
				t.Fatalf("Expected status %d, got %d", tt.expectedStatus, resp.StatusCode)
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}
			response := decodeJSON(t, resp.Body)
			if response["id"] != tt.roomID {
				t.Errorf("Expected id %s, got %v", tt.roomID, response["id"])
			}
			if response["loaded"] != tt.loaded {
				t.Errorf("Expected loaded %v, got %v", tt.loaded, response["loaded"])
			}
		})
	}
}

func TestListRooms(t *testing.T) {
	api, _ := setupTestAPI(t)

	for _, id := range []string{"a", "b", "c"} {
		api.rooms.GetOrCreate(context.Background(), id)
	}

	req := httptest.NewRequest("GET", "/api/rooms?limit=2&offset=1", nil)
	w := httptest.NewRecorder()

	api.ListRoomsHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response struct {
		Rooms []RoomResponse `json:"rooms"`
		Total int            `json:"total"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response.Total != 3 {
		t.Errorf("Expected total 3, got %d", response.Total)
	}
	if len(response.Rooms) != 2 || response.Rooms[0].ID != "b" || response.Rooms[1].ID != "c" {
		t.Errorf("Unexpected page: %+v", response.Rooms)
	}
}

func TestRateLimitedUpload(t *testing.T) {
	api, _ := setupTestAPI(t)

	limiter := ratelimit.NewIPLimiters(1)
	defer limiter.Stop()

	srv := httptest.NewServer(api.Routes(RouterConfig{Limiter: limiter}))
	defer srv.Close()

	statuses := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		body, contentType := multipartBody(t, "a.txt", []byte("a"))
		resp, err := http.Post(srv.URL+"/upload/r1", contentType, body)
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}

	if statuses[0] != http.StatusOK || statuses[1] != http.StatusTooManyRequests {
		t.Errorf("Expected [200 429], got %v", statuses)
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv, _ := setupTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set(requestIDHeader, "req-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()

	if got := resp.Header.Get(requestIDHeader); got != "req-42" {
		t.Errorf("Expected request id echoed, got %q", got)
	}
}

type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialRoom(t *testing.T, srv *httptest.Server, roomID string) *wsPeer {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + roomID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsPeer{t: t, conn: conn}
}

func (p *wsPeer) next() map[string]any {
	p.t.Helper()

	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		p.t.Fatalf("ReadMessage failed: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		p.t.Fatalf("Invalid frame %q: %v", data, err)
	}
	return msg
}

// expect reads frames until one of the given type arrives.
func (p *wsPeer) expect(msgType string) map[string]any {
	p.t.Helper()

	for i := 0; i < 10; i++ {
		if msg := p.next(); msg["type"] == msgType {
			return msg
		}
	}
	p.t.Fatalf("No %s frame received", msgType)
	return nil
}

func TestEditAndShareScenario(t *testing.T) {
	srv, _ := setupTestServer(t)

	a := dialRoom(t, srv, "r1")
	if msg := a.expect("init"); msg["code"] != "" {
		t.Errorf("Expected empty init, got %v", msg)
	}
	a.expect("users")

	b := dialRoom(t, srv, "r1")
	b.expect("init")
	if msg := b.expect("users"); msg["users"] != float64(2) {
		t.Errorf("Expected 2 users, got %v", msg["users"])
	}
	if msg := a.expect("users"); msg["users"] != float64(2) {
		t.Errorf("Expected 2 users for A, got %v", msg["users"])
	}

	if err := a.conn.WriteJSON(map[string]string{"type": "update", "code": "hi"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	if msg := b.expect("update"); msg["code"] != "hi" {
		t.Errorf("Expected update 'hi', got %v", msg)
	}

	body, contentType := multipartBody(t, "notes.txt", []byte("shared bytes"))
	resp, err := http.Post(srv.URL+"/upload/r1", contentType, body)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Upload returned %d", resp.StatusCode)
	}
	for _, p := range []*wsPeer{a, b} {
		if msg := p.expect("file"); msg["filename"] != "notes.txt" {
			t.Errorf("Expected file frame for notes.txt, got %v", msg)
		}
	}

	resp, err = http.Get(srv.URL + "/download/r1/notes.txt")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(got) != "shared bytes" {
		t.Errorf("Downloaded %q", got)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") {
		t.Errorf("Expected attachment disposition, got %q", cd)
	}

	c := dialRoom(t, srv, "r1")
	snap := c.expect("init")
	if snap["code"] != "hi" {
		t.Errorf("Late joiner expected text 'hi', got %v", snap["code"])
	}
	if names, _ := snap["files"].([]any); len(names) != 1 || names[0] != "notes.txt" {
		t.Errorf("Late joiner expected files [notes.txt], got %v", snap["files"])
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/delete/r1/notes.txt", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Delete returned %d", resp.StatusCode)
	}
	for _, p := range []*wsPeer{a, b, c} {
		if msg := p.expect("delete"); msg["filename"] != "notes.txt" {
			t.Errorf("Expected delete frame for notes.txt, got %v", msg)
		}
	}

	resp, err = http.Get(srv.URL + "/download/r1/notes.txt")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", resp.StatusCode)
	}
}
