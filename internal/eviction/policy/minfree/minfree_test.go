package minfree

import "testing"

func TestPolicy(t *testing.T) {
	dir := t.TempDir()

	t.Run("Enough Space", func(t *testing.T) {
		p := &Policy{Path: dir, MinFreeBytes: 0}
		toFree, err := p.BytesToFree(100)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if toFree != 0 {
			t.Errorf("expected nothing to free, got %d", toFree)
		}
	})

	t.Run("Capped At Current Size", func(t *testing.T) {
		p := &Policy{Path: dir, MinFreeBytes: 1 << 62}
		toFree, err := p.BytesToFree(100)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if toFree != 100 {
			t.Errorf("expected to free the whole cache (100), got %d", toFree)
		}
	})

	t.Run("Missing Path", func(t *testing.T) {
		p := &Policy{Path: dir + "/missing", MinFreeBytes: 1}
		if _, err := p.BytesToFree(0); err == nil {
			t.Error("expected an error for a missing path")
		}
	})
}
