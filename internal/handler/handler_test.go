package handler

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/jmgilman/go/fs/billy"
	"github.com/shogo82148/go-sfv"

	"github.com/lucasew/imagecache"
	"github.com/lucasew/imagecache/internal/fetcher"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 3))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newCache(t *testing.T) *imagecache.Cache[imagecache.RawImage] {
	t.Helper()
	c, err := imagecache.New[imagecache.RawImage](imagecache.Config{
		Directory:           "/cache",
		MemoryCapacityBytes: 1 << 20,
		DiskCapacityBytes:   1 << 20,
	}, imagecache.RawImageCodec{}, imagecache.WithFS(billy.NewMemory()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Initialize().Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func imageURL(u string) string {
	return "/image?url=" + url.QueryEscape(u)
}

func TestImageHandler(t *testing.T) {
	img := pngBytes(t)
	var originHits atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originHits.Add(1)
		switch r.URL.Path {
		case "/a.png", "/b.png":
			_, _ = w.Write(img)
		case "/text":
			_, _ = w.Write([]byte("this is not an image"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer origin.Close()

	cache := newCache(t)
	h := NewImageHandler(cache, fetcher.NewFetcher(origin.Client(), nil).Fetch)

	t.Run("Miss Then Hit", func(t *testing.T) {
		before := originHits.Load()
		for i, want := range []string{"MISS", "HIT"} {
			req := httptest.NewRequest("GET", imageURL(origin.URL+"/a.png"), nil)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("request %d: expected status 200, got %d. Body: %s", i, w.Code, w.Body.String())
			}
			if got := w.Header().Get("X-Cache"); got != want {
				t.Errorf("request %d: expected X-Cache %s, got %s", i, want, got)
			}
			if !bytes.Equal(w.Body.Bytes(), img) {
				t.Errorf("request %d: body differs from the origin image", i)
			}
			if got := w.Header().Get("Content-Type"); got != "image/png" {
				t.Errorf("expected Content-Type image/png, got %s", got)
			}
			if got := w.Header().Get("X-Image-Size"); got != "4x3" {
				t.Errorf("expected X-Image-Size 4x3, got %s", got)
			}
		}
		if hits := originHits.Load() - before; hits != 1 {
			t.Errorf("expected exactly one origin request, got %d", hits)
		}
	})

	t.Run("Head Uncached", func(t *testing.T) {
		before := originHits.Load()
		req := httptest.NewRequest("HEAD", imageURL(origin.URL+"/b.png"), nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", w.Code)
		}
		if originHits.Load() != before {
			t.Error("HEAD must not fetch from the origin")
		}
	})

	t.Run("Head Cached", func(t *testing.T) {
		req := httptest.NewRequest("HEAD", imageURL(origin.URL+"/a.png"), nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", w.Code)
		}
		if w.Body.Len() != 0 {
			t.Errorf("expected empty body, got %d bytes", w.Body.Len())
		}
		if got := w.Header().Get("Content-Length"); got == "" || got == "0" {
			t.Errorf("expected Content-Length, got %q", got)
		}
	})

	t.Run("Source Header", func(t *testing.T) {
		val, err := sfv.EncodeList(sfv.List{sfv.Item{Value: origin.URL + "/b.png"}})
		if err != nil {
			t.Fatal(err)
		}
		req := httptest.NewRequest("GET", "/image", nil)
		req.Header.Set(fetcher.SourceURLsHeader, val)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d. Body: %s", w.Code, w.Body.String())
		}
	})

	t.Run("Bad Requests", func(t *testing.T) {
		for _, target := range []string{
			"/image",
			imageURL("ftp://example.com/a.png"),
			imageURL("http://example.com/has space.png"),
		} {
			req := httptest.NewRequest("GET", target, nil)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("%s: expected status 400, got %d", target, w.Code)
			}
		}
	})

	t.Run("Method Not Allowed", func(t *testing.T) {
		req := httptest.NewRequest("POST", imageURL(origin.URL+"/a.png"), nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected status 405, got %d", w.Code)
		}
	})

	t.Run("Origin Failures", func(t *testing.T) {
		for _, path := range []string{"/text", "/missing"} {
			req := httptest.NewRequest("GET", imageURL(origin.URL+path), nil)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != http.StatusBadGateway {
				t.Errorf("%s: expected status 502, got %d. Body: %s", path, w.Code, w.Body.String())
			}
		}
	})

	t.Run("Closed Cache", func(t *testing.T) {
		closed := newCache(t)
		if _, err := closed.Close().Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
		h := NewImageHandler(closed, nil)
		req := httptest.NewRequest("GET", imageURL(origin.URL+"/a.png"), nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("expected status 503, got %d", w.Code)
		}
	})
}
