package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestFSStoreRoundtrip(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	ctx := context.Background()

	if err := s.Put(ctx, "uploads/doc-1/report.pdf", strings.NewReader("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rc, err := s.Get(ctx, "uploads/doc-1/report.pdf")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("content = %q, want hello", data)
	}

	if err := s.Delete(ctx, "uploads/doc-1/report.pdf"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "uploads/doc-1/report.pdf"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}

	// Deleting a missing key is a no-op.
	if err := s.Delete(ctx, "uploads/doc-1/report.pdf"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestFSStoreRejectsTraversal(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, key := range []string{"../escape", "/abs/path", "."} {
		if err := s.Put(ctx, key, strings.NewReader("x")); err == nil {
			t.Errorf("Put(%q) succeeded, want error", key)
		}
	}
}
