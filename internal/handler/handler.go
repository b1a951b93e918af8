package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/jmgilman/go/errors"
	"github.com/shogo82148/go-sfv"

	"github.com/lucasew/imagecache"
	"github.com/lucasew/imagecache/internal/fetcher"
)

// Loader is the part of the cache the handler needs.
type Loader interface {
	Get(ctx context.Context, key string) (imagecache.RawImage, bool, error)
	GetOrFetch(ctx context.Context, key string, fetch imagecache.FetchFunc) (imagecache.RawImage, error)
}

// ImageHandler serves images through the cache.
//
// The image is named by the "url" query parameter, or by the first item
// of the X-Source-Urls header when the parameter is absent. A cached image
// is served with X-Cache: HIT. On a miss, GET fetches the image, stores it
// and serves it with X-Cache: MISS; HEAD answers 404 without fetching.
// A GET that joined another request's fetch reports HIT.
type ImageHandler struct {
	Cache Loader
	Fetch imagecache.FetchFunc
}

func NewImageHandler(cache Loader, fetch imagecache.FetchFunc) *ImageHandler {
	return &ImageHandler{
		Cache: cache,
		Fetch: fetch,
	}
}

func (h *ImageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key, err := sourceURL(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if r.Method == http.MethodHead {
		img, ok, err := h.Cache.Get(r.Context(), key)
		if err != nil {
			slog.Error("Cache lookup failed", "url", key, "error", err)
			http.Error(w, fmt.Sprintf("Cache lookup failed: %v", err), statusFor(err, http.StatusInternalServerError))
			return
		}
		if !ok {
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
		h.serve(w, r, img, "HIT")
		return
	}

	fetched := false
	img, err := h.Cache.GetOrFetch(r.Context(), key, func(ctx context.Context, key string) ([]byte, error) {
		fetched = true
		slog.Info("Cache miss", "url", key)
		return h.Fetch(ctx, key)
	})
	if err != nil {
		slog.Error("Failed to fetch/store", "url", key, "error", err)
		http.Error(w, fmt.Sprintf("Failed to fetch: %v", err), statusFor(err, http.StatusBadGateway))
		return
	}
	cacheStatus := "HIT"
	if fetched {
		cacheStatus = "MISS"
	}
	h.serve(w, r, img, cacheStatus)
}

func (h *ImageHandler) serve(w http.ResponseWriter, r *http.Request, img imagecache.RawImage, cacheStatus string) {
	w.Header().Set("Content-Type", "image/"+img.Format)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("X-Cache", cacheStatus)
	w.Header().Set("X-Image-Size", fmt.Sprintf("%dx%d", img.Width, img.Height))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(img.Data)
}

func sourceURL(r *http.Request) (string, error) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		if header := r.Header.Get(fetcher.SourceURLsHeader); header != "" {
			list, err := sfv.DecodeList([]string{header})
			if err != nil {
				return "", fmt.Errorf("invalid %s header: %w", fetcher.SourceURLsHeader, err)
			}
			for _, item := range list {
				if s, ok := item.Value.(string); ok {
					raw = s
					break
				}
			}
		}
	}
	if raw == "" {
		return "", fmt.Errorf("missing url parameter")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	return raw, nil
}

func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, imagecache.ErrCacheClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, imagecache.ErrUndecodable), errors.Is(err, fetcher.ErrTooLarge):
		return http.StatusBadGateway
	case errors.GetCode(err) == errors.CodeInvalidInput:
		return http.StatusBadRequest
	default:
		return fallback
	}
}
