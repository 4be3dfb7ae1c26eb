package commands

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lwm2mcore/pkgdwl/pkg/db"
	"github.com/lwm2mcore/pkgdwl/pkg/downloader"
	"github.com/lwm2mcore/pkgdwl/pkg/errors"
	appfsm "github.com/lwm2mcore/pkgdwl/pkg/fsm"
	"github.com/lwm2mcore/pkgdwl/pkg/security"
	"github.com/lwm2mcore/pkgdwl/pkg/source"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

var (
	fetchSoftware bool
	fetchResume   bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <uri>",
	Short: "Download an update package and store its payload image",
	Long: `Download a DWL package from an http(s)://, s3:// or file:// URI, verify its
checksum and store the binary payload below the work directory.

An interrupt suspends the download; run again with --resume to continue
from the last stored chunk.`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().BoolVar(&fetchSoftware, "software", false, "Report through the software management object")
	fetchCmd.Flags().BoolVar(&fetchResume, "resume", false, "Resume from the stored checkpoint")
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	uri := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Ensure all necessary directories exist
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.WorkDir); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	validator := security.NewValidator(cfg.MaxPackageSize, cfg.MaxInFlight, cfg.AllowedSchemes)

	// An interrupt suspends the transfer instead of killing it mid-write.
	status := &source.Status{}
	defer suspendOnSignal(status, uri)()

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	sources := source.Options{
		Status:      status,
		HTTPTimeout: cfg.HTTPTimeout,
		S3Region:    cfg.S3Region,
		S3Anonymous: cfg.S3Anonymous,
	}
	machine := appfsm.NewMachine(repo, validator, sources, cfg.WorkDir, cfg.ChunkSize, cfg.MaxPackageSize, cfg.FSMMaxRetries)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	kind := downloader.KindFirmware
	if fetchSoftware {
		kind = downloader.KindSoftware
	}
	req := &appfsm.PackageRequest{
		URI:    uri,
		Kind:   kind.String(),
		Resume: fetchResume,
	}
	resp := &appfsm.PackageResponse{}

	version, err := start(ctx, uri, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("fsm started", "version", version)

	waitErr := manager.Wait(ctx, version)

	d, err := repo.GetByURI(uri)
	if err != nil {
		return errors.Wrap(err, "failed to load download record")
	}
	if suspended(waitErr, status, d) {
		fmt.Printf("Download suspended at %s; run again with --resume to continue\n", humanize.IBytes(uint64(d.StreamOffset)))
		return nil
	}
	if waitErr != nil {
		return errors.Wrap(waitErr, "FSM execution failed")
	}

	if d != nil {
		fmt.Printf("Downloaded %s\n  image:  %s\n  size:   %s\n  sha256: %s\n",
			uri, d.ImagePath, humanize.IBytes(uint64(d.StoreOffset)), d.SHA256)
	}
	slog.Info("fetch completed", "status", resp.Status, "image_path", resp.ImagePath)

	return nil
}

// suspended reports whether the run stopped on a suspend request. Wait only
// keeps the error chain while the run is still tracked in memory, so the
// requested status and the pending record are checked as well.
func suspended(waitErr error, status *source.Status, d *db.Download) bool {
	if d == nil || d.Status != db.StatusPending {
		return false
	}
	return stderrors.Is(waitErr, source.ErrSuspended) || status.Load() == source.StatusSuspended
}

// suspendOnSignal suspends status on an interrupt or SIGTERM. The returned
// func unregisters the handler and waits for the watcher to exit.
func suspendOnSignal(status *source.Status, uri string) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	stop := watchSignals(sigs, status, uri)
	return func() {
		signal.Stop(sigs)
		stop()
	}
}

func watchSignals(sigs <-chan os.Signal, status *source.Status, uri string) func() {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-sigs:
			slog.Warn("download_suspend_requested", "uri", uri)
			status.Suspend()
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}
