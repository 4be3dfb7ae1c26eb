package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"

	"github.com/lwm2mcore/pkgdwl/pkg/db"
	"github.com/lwm2mcore/pkgdwl/pkg/downloader"
	"github.com/lwm2mcore/pkgdwl/pkg/errors"
	"github.com/lwm2mcore/pkgdwl/pkg/security"
	"github.com/lwm2mcore/pkgdwl/pkg/source"
	"github.com/lwm2mcore/pkgdwl/pkg/storage"
	"github.com/superfly/fsm"
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo       *db.Repository
	validator  *security.Validator
	sources    source.Options
	workDir    string
	maxChunk   uint32
	capacity   uint64
	maxRetries int
}

// NewMachine creates a new FSM machine with dependencies. capacity bounds the
// image file written for a package; zero means unlimited.
func NewMachine(
	repo *db.Repository,
	validator *security.Validator,
	sources source.Options,
	workDir string,
	maxChunk uint32,
	capacity uint64,
	maxRetries int,
) *Machine {
	return &Machine{
		repo:       repo,
		validator:  validator,
		sources:    sources,
		workDir:    workDir,
		maxChunk:   maxChunk,
		capacity:   capacity,
		maxRetries: maxRetries,
	}
}

// ImagePath returns where the payload of download id fetched from uri is stored.
func (m *Machine) ImagePath(id int64, uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrap(err, "invalid package uri")
	}
	name := fmt.Sprintf("%d-%s.bin", id, path.Base(u.Path))
	if err := m.validator.ValidateImageName(name); err != nil {
		return "", err
	}
	return filepath.Join(m.workDir, "images", name), nil
}

// handleCheckDB checks if the package was already downloaded (idempotency)
func (m *Machine) handleCheckDB(ctx context.Context, req *fsm.Request[PackageRequest, PackageResponse]) (*fsm.Response[PackageResponse], error) {
	slog.Info("fsm_state_check_db", "uri", req.Msg.URI, "kind", req.Msg.Kind)

	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "uri", req.Msg.URI, "max_retries", m.maxRetries)
		return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}

	kind, err := downloader.ParseUpdateKind(req.Msg.Kind)
	if err != nil {
		return nil, fsm.Abort(err)
	}
	if err := m.validator.ValidateURI(req.Msg.URI); err != nil {
		return nil, fsm.Abort(err)
	}

	d, err := m.repo.GetByURI(req.Msg.URI)
	if err != nil {
		slog.Error("database_check_failed", "uri", req.Msg.URI, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "database error"))
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &PackageResponse{}
	}

	if d != nil {
		resp.DownloadID = d.ID
		resp.SHA256 = d.SHA256
		resp.ImagePath = d.ImagePath
		resp.Status = d.Status

		if d.Status == db.StatusDownloaded {
			slog.Info("package_already_downloaded", "uri", req.Msg.URI, "download_id", d.ID)
			return fsm.NewResponse(resp), nil
		}
		if d.Kind != kind.String() {
			d.Kind = kind.String()
			d.Checkpoint = ""
			if err := m.repo.Update(d); err != nil {
				return nil, errors.Wrap(err, "failed to update download record")
			}
		}
		slog.Info("download_found_continue_processing", "uri", req.Msg.URI, "download_id", d.ID, "status", d.Status)
	} else {
		d = &db.Download{
			URI:    req.Msg.URI,
			Kind:   kind.String(),
			Status: db.StatusPending,
		}
		if err := m.repo.Create(d); err != nil {
			slog.Error("create_download_failed", "uri", req.Msg.URI, "error", err)
			return nil, errors.Wrap(err, "failed to create download record")
		}
		resp.DownloadID = d.ID
		resp.Status = d.Status
		slog.Info("download_created", "uri", req.Msg.URI, "download_id", d.ID)
	}

	return fsm.NewResponse(resp), nil
}

// handleDownload runs the downloader against the package source
func (m *Machine) handleDownload(ctx context.Context, req *fsm.Request[PackageRequest, PackageResponse]) (*fsm.Response[PackageResponse], error) {
	slog.Info("fsm_state_download", "uri", req.Msg.URI)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	retryCount := fsm.RetryFromContext(ctx)
	if retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "uri", req.Msg.URI, "max_retries", m.maxRetries)
		err := fmt.Errorf("max retries (%d) exceeded", m.maxRetries)
		m.markFailed(resp, err)
		return nil, fsm.Abort(err)
	}

	if resp.Status == db.StatusDownloaded {
		slog.Info("download_skipped", "uri", req.Msg.URI, "download_id", resp.DownloadID)
		return fsm.NewResponse(resp), nil
	}

	kind, err := downloader.ParseUpdateKind(req.Msg.Kind)
	if err != nil {
		return nil, fsm.Abort(err)
	}

	d, err := m.repo.GetByURI(req.Msg.URI)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load download record")
	}
	if d == nil {
		return nil, fsm.Abort(fmt.Errorf("download record not found: %s", req.Msg.URI))
	}

	imagePath, err := m.ImagePath(d.ID, d.URI)
	if err != nil {
		m.markFailed(resp, err)
		return nil, fsm.Abort(err)
	}

	dreq := downloader.Request{URI: d.URI, Kind: kind}
	if req.Msg.Resume || retryCount > 0 {
		cp, err := decodeCheckpoint(d.Checkpoint)
		if err != nil {
			slog.Warn("checkpoint_discarded", "download_id", d.ID, "error", err)
		}
		if cp != nil {
			dreq.Resume = true
			dreq.Offset = cp.StreamOffset
			dreq.Checkpoint = cp
		}
	}

	if err := m.repo.UpdateStatus(d.ID, db.StatusDownloading, ""); err != nil {
		slog.Error("status_update_failed", "download_id", d.ID, "status", db.StatusDownloading, "error", err)
		return nil, errors.Wrap(err, "failed to update status")
	}

	transport, err := source.New(d.URI, m.sources)
	if err != nil {
		m.markFailed(resp, err)
		return nil, fsm.Abort(err)
	}

	store, err := storage.NewFileStore(imagePath, m.capacity, dreq.Resume)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image store")
	}
	defer store.Close()

	if dreq.Resume {
		if err := store.Truncate(dreq.Checkpoint.StoreOffset); err != nil {
			return nil, err
		}
	}

	sink := &recordSink{repo: m.repo, id: d.ID}
	dl, err := downloader.New(downloader.Collaborators{
		Transport:   m.validator.Guard(transport),
		Store:       store,
		Updates:     sink,
		Checkpoints: sink,
	}, downloader.WithMaxChunk(m.maxChunk), downloader.WithLogger(slog.Default().With("download_id", d.ID)))
	if err != nil {
		return nil, fsm.Abort(err)
	}

	slog.Info("download_started", "uri", d.URI, "image_path", imagePath, "resume", dreq.Resume, "offset", dreq.Offset)

	rep, runErr := dl.Run(ctx, dreq)
	if rep != nil {
		resp.PackageSize = rep.PackageSize
		resp.Downloaded = rep.Downloaded
		resp.Stored = rep.Stored
		resp.Checksum = rep.Checksum
		resp.Result = rep.Result.String()
		resp.UpdateResult = rep.UpdateResult.String()
	}

	switch classify(rep, runErr) {
	case outcomeRetry:
		slog.Warn("download_retry", "uri", d.URI, "retry", retryCount, "error", runErr)
		return nil, errors.Wrap(runErr, "download interrupted")
	case outcomeRestart:
		slog.Warn("download_restart", "uri", d.URI, "error", runErr)
		if err := m.repo.SaveCheckpoint(d.ID, "", 0, 0); err != nil {
			return nil, err
		}
		return nil, errors.Wrap(runErr, "download restarted")
	case outcomeSuspend:
		slog.Info("download_suspended", "uri", d.URI, "downloaded", resp.Downloaded)
		if err := m.repo.UpdateStatus(d.ID, db.StatusPending, runErr.Error()); err != nil {
			slog.Error("status_update_failed", "download_id", d.ID, "status", db.StatusPending, "error", err)
		}
		resp.Status = db.StatusPending
		resp.ErrorMessage = runErr.Error()
		return nil, fsm.Abort(runErr)
	case outcomeFail:
		slog.Error("download_failed", "uri", d.URI, "result", resp.Result, "error", runErr)
		m.markFailed(resp, runErr)
		if err := storage.Remove(imagePath); err != nil {
			slog.Warn("image_cleanup_failed", "image_path", imagePath, "error", err)
		}
		return nil, fsm.Abort(runErr)
	}

	if err := store.Truncate(rep.Stored); err != nil {
		return nil, err
	}
	sha, err := store.Digest()
	if err != nil {
		return nil, err
	}

	d.Status = db.StatusDownloaded
	d.PackageSize = int64(rep.PackageSize)
	d.StreamOffset = int64(rep.Downloaded)
	d.StoreOffset = int64(rep.Stored)
	d.ImagePath = imagePath
	d.SHA256 = sha
	d.Checkpoint = ""
	d.ErrorMessage = ""
	if err := m.repo.Update(d); err != nil {
		slog.Error("download_update_failed", "download_id", d.ID, "error", err)
		return nil, errors.Wrap(err, "failed to update download record")
	}

	slog.Info("download_complete",
		"uri", d.URI,
		"size_kb", rep.Stored/1024,
		"checksum", fmt.Sprintf("0x%08x", rep.Checksum),
		"sha256", sha[:16]+"...",
	)

	resp.ImagePath = imagePath
	resp.SHA256 = sha
	resp.Status = db.StatusDownloaded
	return fsm.NewResponse(resp), nil
}

// handleComplete checks the stored record and marks the job complete
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[PackageRequest, PackageResponse]) (*fsm.Response[PackageResponse], error) {
	slog.Info("fsm_state_complete", "uri", req.Msg.URI)

	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "uri", req.Msg.URI, "max_retries", m.maxRetries)
		return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &PackageResponse{}
	}

	d, err := m.repo.GetByURI(req.Msg.URI)
	if err != nil {
		slog.Error("failed_to_load_download", "uri", req.Msg.URI, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "failed to load download"))
	}
	if d == nil {
		slog.Error("download_not_found", "uri", req.Msg.URI)
		return nil, fsm.Abort(fmt.Errorf("download not found in database"))
	}
	if d.Status != db.StatusDownloaded {
		return nil, fsm.Abort(fmt.Errorf("download %d ended in status %s", d.ID, d.Status))
	}

	resp.Status = d.Status
	resp.ImagePath = d.ImagePath
	resp.SHA256 = d.SHA256

	slog.Info("fsm_complete", "uri", req.Msg.URI, "status", d.Status, "image_path", d.ImagePath)
	return fsm.NewResponse(resp), nil
}

func (m *Machine) markFailed(resp *PackageResponse, cause error) {
	resp.Status = db.StatusFailed
	resp.ErrorMessage = cause.Error()
	if err := m.repo.UpdateStatus(resp.DownloadID, db.StatusFailed, cause.Error()); err != nil {
		slog.Error("status_update_failed", "download_id", resp.DownloadID, "status", db.StatusFailed, "error", err)
	}
}
