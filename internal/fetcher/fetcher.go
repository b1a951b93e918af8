// Package fetcher downloads images for the cache, asking upstream
// imagecache servers before going to the origin.
package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/shogo82148/go-sfv"

	"github.com/lucasew/imagecache/internal/errutil"
)

const (
	// ServerEnv holds a structured field list of upstream servers, e.g.
	// `"http://cache-a:8080", "http://cache-b:8080"`.
	ServerEnv = "IMAGECACHE_SERVER"

	// SourceURLsHeader carries the origin URLs to an upstream server.
	SourceURLsHeader = "X-Source-Urls"

	DefaultMaxBytes = 32 << 20
)

var (
	// ErrPartialWrite is returned when data was already written to the
	// output before a failure occurred, making fallback to another source unsafe.
	ErrPartialWrite = errors.New(errors.CodeNetwork, "partial write")

	// ErrAllSourcesFailed is returned when no server or origin could provide the image.
	ErrAllSourcesFailed = errors.New(errors.CodeNetwork, "all sources failed")

	// ErrTooLarge is returned for responses over MaxBytes.
	ErrTooLarge = errors.New(errors.CodeInvalidInput, "response too large")
)

// HTTPStatusError is returned when a source responds with a non-200 status code.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

type Fetcher struct {
	Client  *http.Client
	Servers []string
	// MaxBytes bounds a response body. Zero means DefaultMaxBytes.
	MaxBytes int64
	// Progress, when set, receives a progress bar for each download.
	Progress io.Writer
}

func NewFetcher(client *http.Client, servers []string) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		Client:   client,
		Servers:  servers,
		MaxBytes: DefaultMaxBytes,
	}
}

// ParseServers decodes a structured field list of server URLs. Items
// that are not strings are skipped.
func ParseServers(value string) ([]string, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	list, err := sfv.DecodeList([]string{value})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "parse server list")
	}
	var servers []string
	for _, item := range list {
		if s, ok := item.Value.(string); ok {
			servers = append(servers, s)
		}
	}
	return servers, nil
}

// ServersFromEnv reads ServerEnv. A malformed value is logged and ignored.
func ServersFromEnv() []string {
	servers, err := ParseServers(os.Getenv(ServerEnv))
	if err != nil {
		errutil.LogMsg(err, "Failed to parse "+ServerEnv)
		return nil
	}
	return servers
}

// Fetch returns the body of the image at rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	var buf bytes.Buffer
	if err := f.FetchTo(ctx, rawURL, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FetchTo streams the image at rawURL into out. Upstream servers are
// tried in order, then the origin. Once any byte reached out, a failure
// is final.
func (f *Fetcher) FetchTo(ctx context.Context, rawURL string, out io.Writer) error {
	cw := &countingWriter{Writer: out}
	var lastErr error

	// 1. Try Servers
	for _, server := range f.Servers {
		lastErr = f.fetchFromServer(ctx, server, rawURL, cw)
		if lastErr == nil {
			return nil
		}
		errutil.LogMsg(lastErr, "Failed to fetch from server", "server", server)
		if cw.N > 0 {
			return fmt.Errorf("%w: %w", ErrPartialWrite, lastErr)
		}
	}

	// 2. Fallback to the origin
	lastErr = f.fetchDirect(ctx, rawURL, cw)
	if lastErr == nil {
		return nil
	}
	errutil.LogMsg(lastErr, "Failed to fetch from source", "url", rawURL)
	if cw.N > 0 {
		return fmt.Errorf("%w: %w", ErrPartialWrite, lastErr)
	}
	return fmt.Errorf("%w: %w", ErrAllSourcesFailed, lastErr)
}

type countingWriter struct {
	Writer io.Writer
	N      int64
}

func (c *countingWriter) Write(p []byte) (n int, err error) {
	n, err = c.Writer.Write(p)
	c.N += int64(n)
	return n, err
}

func (f *Fetcher) fetchFromServer(ctx context.Context, server, rawURL string, out io.Writer) error {
	base := strings.TrimRight(server, "/")
	u := fmt.Sprintf("%s/image?url=%s", base, url.QueryEscape(rawURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	val, err := sfv.EncodeList(sfv.List{sfv.Item{Value: rawURL}})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", SourceURLsHeader, err)
	}
	req.Header.Set(SourceURLsHeader, val)

	return f.doRequest(req, out)
}

func (f *Fetcher) fetchDirect(ctx context.Context, rawURL string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	return f.doRequest(req, out)
}

func (f *Fetcher) doRequest(req *http.Request, out io.Writer) error {
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		errutil.LogMsg(resp.Body.Close(), "Failed to close response body")
	}()

	if resp.StatusCode != http.StatusOK {
		return &HTTPStatusError{StatusCode: resp.StatusCode}
	}

	limit := f.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	if resp.ContentLength > limit {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	w := out
	if f.Progress != nil {
		bar := progressbar.NewOptions64(
			resp.ContentLength,
			progressbar.OptionSetWriter(f.Progress),
			progressbar.OptionSetDescription("downloading"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(10),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprint(f.Progress, "\n")
			}),
		)
		w = io.MultiWriter(out, bar)
	}

	n, err := io.Copy(w, io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return err
	}
	if n > limit {
		return fmt.Errorf("%w: over %d bytes", ErrTooLarge, limit)
	}
	return nil
}
