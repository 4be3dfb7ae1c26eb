package db

import (
	"path/filepath"
	"testing"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "downloads.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := newTestRepo(t)

	d := &Download{
		URI:         "https://updates.example.com/fw-1.2.dwl",
		Kind:        "firmware",
		Status:      StatusPending,
		PackageSize: 4096,
	}
	if err := repo.Create(d); err != nil {
		t.Fatalf("failed to create download: %v", err)
	}
	if d.ID == 0 {
		t.Fatal("expected id to be assigned")
	}

	retrieved, err := repo.GetByURI(d.URI)
	if err != nil {
		t.Fatalf("failed to get download: %v", err)
	}
	if retrieved.URI != d.URI || retrieved.Kind != d.Kind || retrieved.PackageSize != d.PackageSize {
		t.Errorf("retrieved download mismatch: got %+v, want %+v", retrieved, d)
	}
}

func TestRepository_GetByURI_NotFound(t *testing.T) {
	repo := newTestRepo(t)

	d, err := repo.GetByURI("file:///missing.dwl")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != nil {
		t.Errorf("expected nil, got %+v", d)
	}
}

func TestRepository_DuplicateURI(t *testing.T) {
	repo := newTestRepo(t)

	if err := repo.Create(&Download{URI: "s3://bucket/a.dwl", Kind: "software", Status: StatusPending}); err != nil {
		t.Fatalf("failed to create download: %v", err)
	}
	if err := repo.Create(&Download{URI: "s3://bucket/a.dwl", Kind: "software", Status: StatusPending}); err == nil {
		t.Error("expected unique constraint error")
	}
}

func TestRepository_UpdateStatus(t *testing.T) {
	repo := newTestRepo(t)

	d := &Download{URI: "https://updates.example.com/sw.dwl", Kind: "software", Status: StatusPending}
	repo.Create(d)

	if err := repo.UpdateStatus(d.ID, StatusFailed, "connection lost"); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}

	updated, _ := repo.GetByURI(d.URI)
	if updated.Status != StatusFailed {
		t.Errorf("status not updated: got %s, want %s", updated.Status, StatusFailed)
	}
	if updated.ErrorMessage != "connection lost" {
		t.Errorf("error message not updated: got %q", updated.ErrorMessage)
	}
}

func TestRepository_Update(t *testing.T) {
	repo := newTestRepo(t)

	d := &Download{URI: "https://updates.example.com/fw.dwl", Kind: "firmware", Status: StatusDownloading}
	repo.Create(d)

	d.Status = StatusDownloaded
	d.SHA256 = "deadbeef"
	d.ImagePath = "/var/lib/pkgdwl/images/1.bin"
	if err := repo.Update(d); err != nil {
		t.Fatalf("failed to update download: %v", err)
	}

	updated, _ := repo.GetByURI(d.URI)
	if updated.Status != StatusDownloaded || updated.SHA256 != "deadbeef" || updated.ImagePath != d.ImagePath {
		t.Errorf("download not updated: got %+v", updated)
	}

	if err := repo.Update(&Download{ID: 999, Kind: "firmware", Status: StatusFailed}); err == nil {
		t.Error("expected error updating missing download")
	}
}

func TestRepository_SaveCheckpoint(t *testing.T) {
	repo := newTestRepo(t)

	d := &Download{URI: "https://updates.example.com/fw.dwl", Kind: "firmware", Status: StatusDownloading}
	repo.Create(d)

	if err := repo.SaveCheckpoint(d.ID, `{"stream_offset":2048}`, 2048, 1888); err != nil {
		t.Fatalf("failed to save checkpoint: %v", err)
	}

	updated, _ := repo.GetByURI(d.URI)
	if updated.Checkpoint != `{"stream_offset":2048}` {
		t.Errorf("checkpoint not saved: got %q", updated.Checkpoint)
	}
	if updated.StreamOffset != 2048 || updated.StoreOffset != 1888 {
		t.Errorf("offsets not saved: got %d/%d", updated.StreamOffset, updated.StoreOffset)
	}
}

func TestRepository_List(t *testing.T) {
	repo := newTestRepo(t)

	repo.Create(&Download{URI: "file:///a.dwl", Kind: "firmware", Status: StatusDownloaded})
	repo.Create(&Download{URI: "file:///b.dwl", Kind: "software", Status: StatusFailed})

	downloads, err := repo.List()
	if err != nil {
		t.Fatalf("failed to list downloads: %v", err)
	}
	if len(downloads) != 2 {
		t.Errorf("expected 2 downloads, got %d", len(downloads))
	}
}

func TestRepository_Delete(t *testing.T) {
	repo := newTestRepo(t)

	d := &Download{URI: "file:///a.dwl", Kind: "firmware", Status: StatusDownloaded}
	repo.Create(d)

	if err := repo.Delete(d.ID); err != nil {
		t.Fatalf("failed to delete download: %v", err)
	}
	if got, _ := repo.GetByURI(d.URI); got != nil {
		t.Errorf("download still present: %+v", got)
	}
}

func TestRepository_UpdateObjects(t *testing.T) {
	repo := newTestRepo(t)

	if err := repo.SetUpdateState("firmware", 1); err != nil {
		t.Fatalf("failed to set update state: %v", err)
	}
	if err := repo.SetUpdateResult("software", 53); err != nil {
		t.Fatalf("failed to set update result: %v", err)
	}

	fw, err := repo.GetUpdateObject("firmware")
	if err != nil {
		t.Fatalf("failed to get firmware object: %v", err)
	}
	if fw.UpdateState != 1 || fw.UpdateResult != 0 {
		t.Errorf("firmware object mismatch: %+v", fw)
	}

	sw, err := repo.GetUpdateObject("software")
	if err != nil {
		t.Fatalf("failed to get software object: %v", err)
	}
	if sw.UpdateResult != 53 {
		t.Errorf("software update result: got %d, want 53", sw.UpdateResult)
	}

	if err := repo.SetUpdateState("bootloader", 1); err == nil {
		t.Error("expected error for unknown object kind")
	}
}
