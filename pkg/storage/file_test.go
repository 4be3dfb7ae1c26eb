package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStore_StoreRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "images", "fw.bin")
	s, err := NewFileStore(path, 0, false)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	ctx := context.Background()
	if err := s.StoreRange(ctx, []byte("hello "), 0); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if err := s.StoreRange(ctx, []byte("world"), 6); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	digest, err := s.Digest()
	if err != nil {
		t.Fatalf("digest failed: %v", err)
	}
	sum := sha256.Sum256([]byte("hello world"))
	if digest != hex.EncodeToString(sum[:]) {
		t.Errorf("digest mismatch: got %s", digest)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("unexpected content: %q", got)
	}
}

func TestFileStore_Capacity(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "fw.bin"), 8, false)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer s.Close()

	if err := s.StoreRange(context.Background(), []byte("12345678"), 0); err != nil {
		t.Errorf("write within capacity failed: %v", err)
	}
	if err := s.StoreRange(context.Background(), []byte("9"), 8); err == nil {
		t.Error("expected out of space error")
	}
}

func TestFileStore_Resume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fw.bin")
	if err := os.WriteFile(path, []byte("abcdefgh"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewFileStore(path, 0, true)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := s.Truncate(4); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	if err := s.StoreRange(context.Background(), []byte("XY"), 4); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	s.Close()

	got, _ := os.ReadFile(path)
	if string(got) != "abcdXY" {
		t.Errorf("unexpected content: %q", got)
	}

	s, err = NewFileStore(path, 0, false)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	s.Close()
	got, _ = os.ReadFile(path)
	if len(got) != 0 {
		t.Errorf("expected truncated file, got %q", got)
	}
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fw.bin")
	if err := Remove(path); err != nil {
		t.Errorf("removing a missing file should succeed: %v", err)
	}
	os.WriteFile(path, []byte("x"), 0o644)
	if err := Remove(path); err != nil {
		t.Errorf("remove failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should be gone")
	}
}
