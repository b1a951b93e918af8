package httpclient

import (
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestNewClient(t *testing.T) {
	t.Run("No CA", func(t *testing.T) {
		c, err := NewClient("", 0)
		if err != nil {
			t.Fatal(err)
		}
		if c.Timeout != DefaultTimeout {
			t.Errorf("expected timeout %s, got %s", DefaultTimeout, c.Timeout)
		}
	})

	t.Run("Custom CA", func(t *testing.T) {
		ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("ok"))
		}))
		defer ts.Close()

		caFile := filepath.Join(t.TempDir(), "ca.pem")
		block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ts.Certificate().Raw})
		if err := os.WriteFile(caFile, block, 0o644); err != nil {
			t.Fatal(err)
		}

		c, err := NewClient(caFile, 0)
		if err != nil {
			t.Fatal(err)
		}
		resp, err := c.Get(ts.URL)
		if err != nil {
			t.Fatalf("request with custom CA failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200, got %d", resp.StatusCode)
		}
	})

	t.Run("Missing File", func(t *testing.T) {
		if _, err := NewClient(filepath.Join(t.TempDir(), "nope.pem"), 0); err == nil {
			t.Error("expected an error for a missing CA file")
		}
	})

	t.Run("Not PEM", func(t *testing.T) {
		caFile := filepath.Join(t.TempDir(), "ca.pem")
		if err := os.WriteFile(caFile, []byte("garbage"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := NewClient(caFile, 0); err == nil {
			t.Error("expected an error for a file without certificates")
		}
	})
}
