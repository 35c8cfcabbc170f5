// Package web serves the public HTTP API: a status endpoint and the
// reverse image search, by upload or by URL.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ReneHollander/rep0st/engine/domain"
	"github.com/ReneHollander/rep0st/engine/store"
	"github.com/ReneHollander/rep0st/pkg/mid"
)

const (
	// maxURLImageBytes caps how much is read from a search URL.
	maxURLImageBytes = 10 << 20
	// urlFetchTimeout bounds the download of a search URL.
	urlFetchTimeout = 30 * time.Second
)

// SearchService answers reverse image searches.
type SearchService interface {
	SearchBytes(ctx context.Context, data []byte, flags domain.Flags, exact bool) ([]store.SearchResult, error)
}

// PostStore provides the corpus stats shown on the index endpoint.
type PostStore interface {
	LatestPostID(ctx context.Context) (uint64, error)
}

// Deps holds the collaborators of the HTTP API.
type Deps struct {
	Search SearchService
	Posts  PostStore
	Log    *slog.Logger
}

// Options tunes the exposed API surface.
type Options struct {
	// EnableExactSearch honors the exact query parameter, which bypasses
	// the approximate vector index. Expensive, off in production.
	EnableExactSearch bool
	// CommitSHA is reported as build info on GET /api.
	CommitSHA string
}

// NewHandler builds the API handler wrapped in the middleware chain.
func NewHandler(deps Deps, opts Options) http.Handler {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	client := &http.Client{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api", handleIndex(deps, opts))
	mux.HandleFunc("POST /api/search", handleSearchUpload(deps, opts))
	mux.HandleFunc("GET /api/search", handleSearchURL(deps, opts, client))

	return mid.Chain(mux,
		mid.RequestID(),
		mid.Recover(deps.Log),
		mid.Logger(deps.Log),
		mid.CORS("*"),
		mid.OTel("rep0st-web"),
	)
}

// searchResult is one row of the search response.
type searchResult struct {
	Similarity float32     `json:"similarity"`
	Post       domain.Post `json:"post"`
}

func handleIndex(deps Deps, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		latest, err := deps.Posts.LatestPostID(r.Context())
		if err != nil {
			deps.Log.Error("latest post lookup failed", "err", err)
			writeInternal(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"msg":         "welcome to the rep0st API",
			"latest_post": latest,
			"build":       map[string]string{"git_sha": opts.CommitSHA},
		})
	}
}

func handleSearchUpload(deps Deps, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("image")
		if err != nil {
			writeError(w, http.StatusBadRequest, "no image")
			return
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil || len(data) == 0 {
			writeError(w, http.StatusBadRequest, "no image")
			return
		}
		serveSearch(deps, opts, w, r, data)
	}
}

func handleSearchURL(deps Deps, opts Options, client *http.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawURL := r.FormValue("url")
		if rawURL == "" {
			writeError(w, http.StatusBadRequest, "url parameter missing")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), urlFetchTimeout)
		defer cancel()
		data, err := fetchImage(ctx, client, rawURL)
		if err != nil {
			deps.Log.Warn("image fetch failed", "url", rawURL, "err", err)
			writeError(w, http.StatusBadRequest, "could not load image from url")
			return
		}
		serveSearch(deps, opts, w, r, data)
	}
}

// serveSearch runs the shared search pipeline for both entry points.
func serveSearch(deps Deps, opts Options, w http.ResponseWriter, r *http.Request, data []byte) {
	flags, err := domain.ParseFlags(r.FormValue("flags"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	exact := false
	if opts.EnableExactSearch {
		exact, _ = strconv.ParseBool(r.FormValue("exact"))
	}

	results, err := deps.Search.SearchBytes(r.Context(), data, flags, exact)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidImage) {
			writeError(w, http.StatusBadRequest, "invalid image")
			return
		}
		deps.Log.Error("search failed", "err", err,
			"request_id", mid.RequestIDFromContext(r.Context()))
		writeInternal(w, r)
		return
	}

	out := make([]searchResult, len(results))
	for i, sr := range results {
		out[i] = searchResult{Similarity: sr.Score, Post: sr.Post}
	}
	writeJSON(w, http.StatusOK, out)
}

func fetchImage(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("web: fetch image: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web: fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("web: fetch image: status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxURLImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("web: fetch image: %w", err)
	}
	if len(data) > maxURLImageBytes {
		return nil, fmt.Errorf("web: fetch image: body exceeds %d bytes", maxURLImageBytes)
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeInternal hides the failure behind the request correlation id, which
// the log line carries as well.
func writeInternal(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "internal error",
		"id":    mid.RequestIDFromContext(r.Context()),
	})
}
