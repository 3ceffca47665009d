package proximity

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeArtifact(t *testing.T, dir, name, payload string, mod time.Time) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("writing artifact: %v", err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("setting artifact mtime: %v", err)
	}
	return path
}

func TestSpool_DrainsOldestFirstAndRemoves(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Minute)

	writeArtifact(t, dir, "fix-b.json", "second", base.Add(time.Second))
	writeArtifact(t, dir, "fix-a.json", "first", base)
	writeArtifact(t, dir, "fix-c.json", "third", base.Add(2*time.Second))

	var delivered []string
	s := NewSpool(dir, func(payload []byte) error {
		delivered = append(delivered, string(payload))
		return nil
	})

	if err := s.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	want := []string{"first", "second", "third"}
	if len(delivered) != len(want) {
		t.Fatalf("expected %d deliveries, got %d", len(want), len(delivered))
	}
	for i, p := range want {
		if delivered[i] != p {
			t.Errorf("delivery %d: expected %q, got %q", i, p, delivered[i])
		}
	}

	if s.Size() != 0 {
		t.Errorf("expected empty spool after drain, got %d artifacts", s.Size())
	}
}

func TestSpool_SinkUnavailableKeepsArtifacts(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Minute)

	writeArtifact(t, dir, "fix-a.json", "first", base)
	writeArtifact(t, dir, "fix-b.json", "second", base.Add(time.Second))

	var calls int
	s := NewSpool(dir, func(payload []byte) error {
		calls++
		return ErrSinkUnavailable
	})

	if err := s.Drain(); !errors.Is(err, ErrSinkUnavailable) {
		t.Fatalf("expected ErrSinkUnavailable, got %v", err)
	}
	if calls != 1 {
		t.Errorf("draining should stop at first failure, sink called %d times", calls)
	}
	if s.Size() != 2 {
		t.Errorf("expected both artifacts retained, got %d", s.Size())
	}
}

func TestSpool_PartialDrainPreservesOrderAcrossPasses(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Minute)

	writeArtifact(t, dir, "fix-a.json", "first", base)
	writeArtifact(t, dir, "fix-b.json", "second", base.Add(time.Second))

	var delivered []string
	failNext := true
	s := NewSpool(dir, func(payload []byte) error {
		if failNext && string(payload) == "second" {
			failNext = false
			return ErrSinkUnavailable
		}
		delivered = append(delivered, string(payload))
		return nil
	})

	if err := s.Drain(); !errors.Is(err, ErrSinkUnavailable) {
		t.Fatalf("expected ErrSinkUnavailable on first pass, got %v", err)
	}
	if err := s.Drain(); err != nil {
		t.Fatalf("second Drain: %v", err)
	}

	want := []string{"first", "second"}
	if len(delivered) != len(want) || delivered[0] != want[0] || delivered[1] != want[1] {
		t.Errorf("expected deliveries %v, got %v", want, delivered)
	}
}

func TestSpool_EmptyDirectory(t *testing.T) {
	s := NewSpool(t.TempDir(), func(payload []byte) error {
		t.Error("sink should not be called for an empty spool")
		return nil
	})

	if err := s.Drain(); err != nil {
		t.Fatalf("Drain on empty spool: %v", err)
	}
	if s.Size() != 0 {
		t.Errorf("expected size 0, got %d", s.Size())
	}
}
