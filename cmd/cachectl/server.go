package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	httpcache "github.com/square/okhttp-sub001"
)

// runServe exposes the cache over a small admin API:
//
//	GET    /stats            counters and sizes as JSON
//	GET    /urls             stored entries as JSON, LRU first
//	DELETE /urls?url=<url>   evict one entry
//	DELETE /urls             evict everything
func runServe(cache *httpcache.Cache, listen string) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, statsResponse{
			Entries:           len(cache.Entries()),
			Size:              cache.Size(),
			MaxSize:           cache.MaxSize(),
			RequestCount:      cache.RequestCount(),
			NetworkCount:      cache.NetworkCount(),
			HitCount:          cache.HitCount(),
			WriteSuccessCount: cache.WriteSuccessCount(),
			WriteAbortCount:   cache.WriteAbortCount(),
		})
	})

	r.Get("/urls", func(w http.ResponseWriter, r *http.Request) {
		entries := cache.Entries()
		urls := make([]urlEntry, 0, len(entries))
		for _, e := range entries {
			urls = append(urls, urlEntry{
				URL:        e.URL,
				StatusCode: e.StatusCode,
				BodySize:   e.BodySize,
				ReceivedAt: e.ReceivedAt.Unix(),
			})
		}
		writeJSON(w, urls)
	})

	r.Delete("/urls", func(w http.ResponseWriter, r *http.Request) {
		url := r.URL.Query().Get("url")
		if url == "" {
			if err := cache.EvictAll(); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		it := cache.URLs()
		for it.Next() {
			if it.URL() != url {
				continue
			}
			if err := it.Remove(); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.NotFound(w, r)
	})

	log.Info().Str("listen", listen).Msg("Admin server listening")
	if err := http.ListenAndServe(listen, r); err != nil {
		log.Fatal().Err(err).Msg("Admin server failed")
	}
}

type statsResponse struct {
	Entries           int   `json:"entries"`
	Size              int64 `json:"size"`
	MaxSize           int64 `json:"maxSize"`
	RequestCount      int   `json:"requestCount"`
	NetworkCount      int   `json:"networkCount"`
	HitCount          int   `json:"hitCount"`
	WriteSuccessCount int   `json:"writeSuccessCount"`
	WriteAbortCount   int   `json:"writeAbortCount"`
}

type urlEntry struct {
	URL        string `json:"url"`
	StatusCode int    `json:"statusCode"`
	BodySize   int64  `json:"bodySize"`
	ReceivedAt int64  `json:"receivedAt"`
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Cannot write response")
	}
}
