package api

import (
	"net/http"

	"github.com/manpreetbhatti/padshare/internal/metrics"
	"github.com/manpreetbhatti/padshare/internal/ratelimit"
	"github.com/rs/cors"
)

type RouterConfig struct {
	CORSAllow []string
	// Applied to upload and delete; nil disables limiting
	Limiter *ratelimit.IPLimiters
	// nil disables request metrics
	Metrics *metrics.HTTP
}

// Routes builds the full HTTP surface: websocket, file transfer, room
// inspection, health and metrics.
func (a *API) Routes(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	limited := func(h http.HandlerFunc) http.Handler {
		if cfg.Limiter == nil {
			return h
		}
		return cfg.Limiter.Middleware(h)
	}

	mux.HandleFunc("GET /ws", a.hub.ServeWS)
	mux.HandleFunc("GET /ws/{room}", a.hub.ServeWS)

	mux.Handle("POST /upload/{room}", limited(a.UploadHandler))
	mux.HandleFunc("GET /download/{room}/{filename}", a.DownloadHandler)
	mux.Handle("DELETE /delete/{room}/{filename}", limited(a.DeleteHandler))

	mux.HandleFunc("GET /api/rooms", a.ListRoomsHandler)
	mux.HandleFunc("GET /api/rooms/{room}", a.GetRoomHandler)
	mux.HandleFunc("GET /api/stats", a.StatsHandler)
	mux.HandleFunc("GET /health", a.HealthHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	var handler http.Handler = mux
	if cfg.Metrics != nil {
		handler = cfg.Metrics.Instrument(handler)
	}
	handler = a.logRequests(handler)

	allow := cfg.CORSAllow
	if len(allow) == 0 {
		allow = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: allow,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Content-Disposition"},
	}).Handler(handler)
}
