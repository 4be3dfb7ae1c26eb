package fsm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/lwm2mcore/pkgdwl/pkg/db"
	"github.com/lwm2mcore/pkgdwl/pkg/downloader"
	"github.com/lwm2mcore/pkgdwl/pkg/dwl"
	"github.com/lwm2mcore/pkgdwl/pkg/security"
	"github.com/lwm2mcore/pkgdwl/pkg/source"
	"github.com/lwm2mcore/pkgdwl/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superfly/fsm"
)

func newRepo(t *testing.T) *db.Repository {
	t.Helper()
	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "downloads.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRecordSink_UpdateFields(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	sink := &recordSink{repo: repo}

	require.NoError(t, sink.SetUpdateState(ctx, downloader.KindFirmware, downloader.UpdateDownloading))
	require.NoError(t, sink.SetUpdateResult(ctx, downloader.KindFirmware, downloader.UpdateVerifyFailed))
	require.NoError(t, sink.SetUpdateResult(ctx, downloader.KindSoftware, downloader.UpdateConnectionLost))

	fw, err := repo.GetUpdateObject("firmware")
	require.NoError(t, err)
	assert.Equal(t, 1, fw.UpdateState)
	assert.Equal(t, 5, fw.UpdateResult)

	sw, err := repo.GetUpdateObject("software")
	require.NoError(t, err)
	assert.Equal(t, 52, sw.UpdateResult)
}

func TestRecordSink_Checkpoint(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	d := &db.Download{URI: "https://updates.example.com/fw.dwl", Kind: "firmware", Status: db.StatusDownloading}
	require.NoError(t, repo.Create(d))
	sink := &recordSink{repo: repo, id: d.ID}

	cp := downloader.Checkpoint{
		StreamOffset: 4096,
		StoreOffset:  3900,
		NextLength:   1024,
		Parser: dwl.State{
			Section:   dwl.SectionBinary,
			Sub:       dwl.SubBinaryData,
			Declared:  0xdeadbeef,
			Computed:  0x12345678,
			BinaryLen: 8000,
			Remaining: 4100,
		},
	}
	require.NoError(t, sink.SaveCheckpoint(ctx, cp))

	stored, err := repo.GetByURI(d.URI)
	require.NoError(t, err)
	assert.EqualValues(t, 4096, stored.StreamOffset)
	assert.EqualValues(t, 3900, stored.StoreOffset)

	got, err := decodeCheckpoint(stored.Checkpoint)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cp, *got)
}

func TestDecodeCheckpoint(t *testing.T) {
	cp, err := decodeCheckpoint("")
	require.NoError(t, err)
	assert.Nil(t, cp)

	_, err = decodeCheckpoint("{not json")
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	comm := &downloader.Report{Result: downloader.ResultCommunication}
	verify := &downloader.Report{Result: downloader.ResultVerification}

	tests := []struct {
		name string
		rep  *downloader.Report
		err  error
		want outcome
	}{
		{"success", &downloader.Report{}, nil, outcomeDone},
		{"connection lost", comm, fmt.Errorf("fetch: %w", fmt.Errorf("reset by peer")), outcomeRetry},
		{"suspended", comm, fmt.Errorf("fetch: %w", source.ErrSuspended), outcomeSuspend},
		{"aborted", comm, fmt.Errorf("fetch: %w", source.ErrAborted), outcomeFail},
		{"bad checkpoint", nil, fmt.Errorf("%w: offsets", downloader.ErrBadCheckpoint), outcomeRestart},
		{"checksum", verify, dwl.ErrChecksum, outcomeFail},
		{"package too large", &downloader.Report{Result: downloader.ResultStorage}, fmt.Errorf("get package info: %w", security.ErrPackageTooLarge), outcomeFail},
		{"policy on communication path", comm, fmt.Errorf("init download: %w", security.ErrPolicy), outcomeFail},
		{"no report", nil, fmt.Errorf("boom"), outcomeFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.rep, tt.err), tt.want.String())
		})
	}
}

func TestImagePath(t *testing.T) {
	m := NewMachine(nil, security.NewValidator(0, 0, nil), source.Options{}, "/var/lib/pkgdwl", dwl.DefaultMaxChunk, 0, 3)

	p, err := m.ImagePath(7, "https://updates.example.com/releases/fw-1.2.dwl?token=x")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/pkgdwl/images/7-fw-1.2.dwl.bin", p)

	p, err = m.ImagePath(8, "s3://bucket/sw/pkg.dwl")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/pkgdwl/images/8-pkg.dwl.bin", p)
}

const testChunk = 128

// handlerEnv serves one DWL package from a local file to a Machine backed by
// a temporary database and work directory.
type handlerEnv struct {
	repo    *db.Repository
	m       *Machine
	status  *source.Status
	payload []byte
	raw     []byte
	pkgPath string
	uri     string
}

func payloadBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func newHandlerEnv(t *testing.T, maxPackageSize uint64) *handlerEnv {
	t.Helper()
	dir := t.TempDir()

	payload := payloadBytes(1000)
	raw, err := dwl.NewBuilder().
		UpdatePackage(dwl.SubTypeFirmware, nil).
		Binary(payload, nil).
		Signature([]byte("arbitrary signature"), nil).
		Bytes()
	require.NoError(t, err)

	pkgPath := filepath.Join(dir, "fw.dwl")
	require.NoError(t, os.WriteFile(pkgPath, raw, 0o644))

	repo := newRepo(t)
	status := &source.Status{}
	m := NewMachine(repo, security.NewValidator(maxPackageSize, 0, nil), source.Options{Status: status},
		filepath.Join(dir, "work"), testChunk, 0, 3)

	return &handlerEnv{
		repo:    repo,
		m:       m,
		status:  status,
		payload: payload,
		raw:     raw,
		pkgPath: pkgPath,
		uri:     "file://" + pkgPath,
	}
}

func (e *handlerEnv) request(resume bool) *fsm.Request[PackageRequest, PackageResponse] {
	return fsm.NewRequest(&PackageRequest{URI: e.uri, Kind: "firmware", Resume: resume}, &PackageResponse{})
}

// checkDB runs the check_db transition and returns the created record.
func (e *handlerEnv) checkDB(t *testing.T) *db.Download {
	t.Helper()
	_, err := e.m.handleCheckDB(context.Background(), e.request(false))
	require.NoError(t, err)
	return e.record(t)
}

func (e *handlerEnv) record(t *testing.T) *db.Download {
	t.Helper()
	d, err := e.repo.GetByURI(e.uri)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}

func (e *handlerEnv) imagePath(t *testing.T, id int64) string {
	t.Helper()
	p, err := e.m.ImagePath(id, e.uri)
	require.NoError(t, err)
	return p
}

// interrupt downloads into the record's image until at least stored payload
// bytes are written, then stops as if the process died.
func (e *handlerEnv) interrupt(t *testing.T, d *db.Download, stored uint64) downloader.Checkpoint {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewFileStore(e.imagePath(t, d.ID), 0, false)
	require.NoError(t, err)
	sink := &recordSink{repo: e.repo, id: d.ID}
	tr := source.NewFileSource(nil)
	dl, err := downloader.New(downloader.Collaborators{
		Transport:   tr,
		Store:       store,
		Updates:     sink,
		Checkpoints: sink,
	}, downloader.WithMaxChunk(testChunk))
	require.NoError(t, err)

	sess, err := dl.Start(downloader.Request{URI: e.uri, Kind: downloader.KindFirmware})
	require.NoError(t, err)
	for sess.Report().Stored < stored {
		require.False(t, sess.Finished(), "package ended before %d bytes were stored", stored)
		require.NoError(t, sess.Step(ctx))
	}
	require.NoError(t, store.Close())
	require.NoError(t, tr.End(ctx))

	cp, err := decodeCheckpoint(e.record(t).Checkpoint)
	require.NoError(t, err)
	require.NotNil(t, cp)
	return *cp
}

func requireAbort(t *testing.T, err error) {
	t.Helper()
	var ae *fsm.AbortError
	require.ErrorAs(t, err, &ae)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestHandleCheckDB(t *testing.T) {
	e := newHandlerEnv(t, 0)
	ctx := context.Background()

	req := e.request(false)
	_, err := e.m.handleCheckDB(ctx, req)
	require.NoError(t, err)
	assert.NotZero(t, req.W.Msg.DownloadID)
	assert.Equal(t, db.StatusPending, req.W.Msg.Status)

	d := e.record(t)
	assert.Equal(t, "firmware", d.Kind)
	require.NoError(t, e.repo.SaveCheckpoint(d.ID, `{"stream_offset":1}`, 1, 0))

	again := fsm.NewRequest(&PackageRequest{URI: e.uri, Kind: "sw"}, &PackageResponse{})
	_, err = e.m.handleCheckDB(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, d.ID, again.W.Msg.DownloadID)

	d = e.record(t)
	assert.Equal(t, "software", d.Kind)
	assert.Empty(t, d.Checkpoint, "kind change must drop the checkpoint")

	_, err = e.m.handleCheckDB(ctx, fsm.NewRequest(&PackageRequest{URI: "ftp://host/fw.dwl", Kind: "firmware"}, &PackageResponse{}))
	requireAbort(t, err)
	require.ErrorIs(t, err, security.ErrPolicy)
}

func TestHandleDownload(t *testing.T) {
	tests := []struct {
		name           string
		maxPackageSize uint64
		resume         bool
		prepare        func(t *testing.T, e *handlerEnv, d *db.Download)
		check          func(t *testing.T, e *handlerEnv, d *db.Download, resp *PackageResponse, err error)
	}{
		{
			name: "fresh download",
			check: func(t *testing.T, e *handlerEnv, d *db.Download, resp *PackageResponse, err error) {
				require.NoError(t, err)
				assert.Equal(t, db.StatusDownloaded, resp.Status)
				assert.EqualValues(t, len(e.raw), resp.PackageSize)
				assert.EqualValues(t, len(e.payload), resp.Stored)
				assert.Equal(t, sha256Hex(e.payload), resp.SHA256)

				image, err := os.ReadFile(resp.ImagePath)
				require.NoError(t, err)
				assert.Equal(t, e.payload, image)

				stored := e.record(t)
				assert.Equal(t, db.StatusDownloaded, stored.Status)
				assert.Equal(t, resp.SHA256, stored.SHA256)
				assert.Empty(t, stored.Checkpoint)
			},
		},
		{
			name: "suspend leaves record pending",
			prepare: func(t *testing.T, e *handlerEnv, d *db.Download) {
				e.status.Suspend()
			},
			check: func(t *testing.T, e *handlerEnv, d *db.Download, resp *PackageResponse, err error) {
				requireAbort(t, err)
				require.ErrorIs(t, err, source.ErrSuspended)
				assert.Equal(t, db.StatusPending, resp.Status)

				stored := e.record(t)
				assert.Equal(t, db.StatusPending, stored.Status)
				assert.Empty(t, stored.Checkpoint)
				assert.Contains(t, stored.ErrorMessage, "suspended")
			},
		},
		{
			name:   "resume from stored checkpoint",
			resume: true,
			prepare: func(t *testing.T, e *handlerEnv, d *db.Download) {
				cp := e.interrupt(t, d, 300)
				require.Greater(t, cp.StoreOffset, uint64(0))
				require.Less(t, cp.StoreOffset, uint64(len(e.payload)))

				// Bytes before the checkpoint are never fetched again, so
				// zeroing them in the source proves the run resumed.
				idx := bytes.Index(e.raw, e.payload)
				require.GreaterOrEqual(t, idx, 0)
				corrupt := bytes.Clone(e.raw)
				clear(corrupt[idx : idx+int(cp.StoreOffset)])
				require.NoError(t, os.WriteFile(e.pkgPath, corrupt, 0o644))

				// Anything past the store offset is stale and must be cut.
				f, err := os.OpenFile(e.imagePath(t, d.ID), os.O_WRONLY|os.O_APPEND, 0)
				require.NoError(t, err)
				_, err = f.Write(bytes.Repeat([]byte{0xff}, 2*testChunk))
				require.NoError(t, err)
				require.NoError(t, f.Close())
			},
			check: func(t *testing.T, e *handlerEnv, d *db.Download, resp *PackageResponse, err error) {
				require.NoError(t, err)
				assert.Equal(t, db.StatusDownloaded, resp.Status)
				assert.EqualValues(t, len(e.raw), resp.Downloaded)

				image, err := os.ReadFile(resp.ImagePath)
				require.NoError(t, err)
				assert.Equal(t, e.payload, image)
				assert.Equal(t, sha256Hex(e.payload), resp.SHA256)
				assert.Empty(t, e.record(t).Checkpoint)
			},
		},
		{
			name:   "bad checkpoint is cleared",
			resume: true,
			prepare: func(t *testing.T, e *handlerEnv, d *db.Download) {
				raw, err := encodeCheckpoint(downloader.Checkpoint{StreamOffset: 1 << 20})
				require.NoError(t, err)
				require.NoError(t, e.repo.SaveCheckpoint(d.ID, raw, 1<<20, 0))
			},
			check: func(t *testing.T, e *handlerEnv, d *db.Download, resp *PackageResponse, err error) {
				require.ErrorIs(t, err, downloader.ErrBadCheckpoint)
				var ae *fsm.AbortError
				assert.False(t, errors.As(err, &ae), "bad checkpoint must be retried, not aborted")

				stored := e.record(t)
				assert.Empty(t, stored.Checkpoint)
				assert.Zero(t, stored.StreamOffset)
				assert.Zero(t, stored.StoreOffset)

				_, err = e.m.handleDownload(context.Background(), fsm.NewRequest(
					&PackageRequest{URI: e.uri, Kind: "firmware", Resume: true},
					&PackageResponse{DownloadID: d.ID, Status: stored.Status}))
				require.NoError(t, err)
				image, err := os.ReadFile(e.imagePath(t, d.ID))
				require.NoError(t, err)
				assert.Equal(t, e.payload, image)
			},
		},
		{
			name: "verification fault fails and removes image",
			prepare: func(t *testing.T, e *handlerEnv, d *db.Download) {
				idx := bytes.Index(e.raw, e.payload)
				require.GreaterOrEqual(t, idx, 0)
				corrupt := bytes.Clone(e.raw)
				corrupt[idx+500] ^= 0x01
				require.NoError(t, os.WriteFile(e.pkgPath, corrupt, 0o644))
			},
			check: func(t *testing.T, e *handlerEnv, d *db.Download, resp *PackageResponse, err error) {
				requireAbort(t, err)
				require.ErrorIs(t, err, dwl.ErrChecksum)
				assert.Equal(t, downloader.ResultVerification.String(), resp.Result)
				assert.Equal(t, db.StatusFailed, resp.Status)
				assert.Equal(t, db.StatusFailed, e.record(t).Status)

				_, statErr := os.Stat(e.imagePath(t, d.ID))
				assert.True(t, os.IsNotExist(statErr), "image should be removed, stat: %v", statErr)

				fw, err := e.repo.GetUpdateObject("firmware")
				require.NoError(t, err)
				assert.Equal(t, downloader.UpdateVerifyFailed.Code(downloader.KindFirmware), fw.UpdateResult)
			},
		},
		{
			name:           "oversized package fails as out of storage",
			maxPackageSize: 64,
			check: func(t *testing.T, e *handlerEnv, d *db.Download, resp *PackageResponse, err error) {
				requireAbort(t, err)
				require.ErrorIs(t, err, security.ErrPackageTooLarge)
				assert.Equal(t, downloader.ResultStorage.String(), resp.Result)
				assert.Equal(t, downloader.UpdateOutOfStorage.String(), resp.UpdateResult)
				assert.Equal(t, db.StatusFailed, e.record(t).Status)

				fw, err := e.repo.GetUpdateObject("firmware")
				require.NoError(t, err)
				assert.Equal(t, 2, fw.UpdateResult)

				_, statErr := os.Stat(e.imagePath(t, d.ID))
				assert.True(t, os.IsNotExist(statErr))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newHandlerEnv(t, tt.maxPackageSize)
			d := e.checkDB(t)
			if tt.prepare != nil {
				tt.prepare(t, e, d)
			}

			resp := &PackageResponse{DownloadID: d.ID, Status: d.Status}
			req := fsm.NewRequest(&PackageRequest{URI: e.uri, Kind: "firmware", Resume: tt.resume}, resp)
			_, err := e.m.handleDownload(context.Background(), req)
			tt.check(t, e, d, resp, err)
		})
	}
}

func TestHandleComplete(t *testing.T) {
	ctx := context.Background()

	t.Run("downloaded", func(t *testing.T) {
		e := newHandlerEnv(t, 0)
		d := e.checkDB(t)
		_, err := e.m.handleDownload(ctx, fsm.NewRequest(&PackageRequest{URI: e.uri, Kind: "firmware"},
			&PackageResponse{DownloadID: d.ID, Status: d.Status}))
		require.NoError(t, err)

		req := e.request(false)
		_, err = e.m.handleComplete(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, db.StatusDownloaded, req.W.Msg.Status)
		assert.Equal(t, e.imagePath(t, d.ID), req.W.Msg.ImagePath)
		assert.Equal(t, sha256Hex(e.payload), req.W.Msg.SHA256)
	})

	t.Run("not downloaded", func(t *testing.T) {
		e := newHandlerEnv(t, 0)
		e.checkDB(t)

		_, err := e.m.handleComplete(ctx, e.request(false))
		requireAbort(t, err)
	})

	t.Run("unknown record", func(t *testing.T) {
		e := newHandlerEnv(t, 0)

		_, err := e.m.handleComplete(ctx, e.request(false))
		requireAbort(t, err)
	})
}
