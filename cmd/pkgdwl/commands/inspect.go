package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/lwm2mcore/pkgdwl/pkg/downloader"
	"github.com/lwm2mcore/pkgdwl/pkg/errors"
	"github.com/lwm2mcore/pkgdwl/pkg/source"
	"github.com/lwm2mcore/pkgdwl/pkg/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	inspectOut      string
	inspectSoftware bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Parse a local package and report whether it would be accepted",
	Long: `Run a local DWL file through the downloader without touching the database.
With --out the binary payload is written to the given file.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().StringVarP(&inspectOut, "out", "o", "", "Write the binary payload to this file")
	inspectCmd.Flags().BoolVar(&inspectSoftware, "software", false, "Report result codes of the software management object")
}

// memoryUpdates keeps the last update fields in memory.
type memoryUpdates struct {
	state  downloader.UpdateState
	result downloader.UpdateResult
}

func (m *memoryUpdates) SetUpdateState(_ context.Context, _ downloader.UpdateKind, s downloader.UpdateState) error {
	m.state = s
	return nil
}

func (m *memoryUpdates) SetUpdateResult(_ context.Context, _ downloader.UpdateKind, r downloader.UpdateResult) error {
	m.result = r
	return nil
}

// countingStore discards payload bytes.
type countingStore struct {
	n uint64
}

func (c *countingStore) StoreRange(_ context.Context, chunk []byte, _ uint64) error {
	c.n += uint64(len(chunk))
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	path := args[0]

	var store downloader.Store = &countingStore{}
	if inspectOut != "" {
		fs, err := storage.NewFileStore(inspectOut, 0, false)
		if err != nil {
			return err
		}
		defer fs.Close()
		store = fs
	}

	kind := downloader.KindFirmware
	if inspectSoftware {
		kind = downloader.KindSoftware
	}

	updates := &memoryUpdates{}
	dl, err := downloader.New(downloader.Collaborators{
		Transport: source.NewFileSource(nil),
		Store:     store,
		Updates:   updates,
	}, downloader.WithMaxChunk(viper.GetUint32("chunk-size")))
	if err != nil {
		return err
	}

	rep, runErr := dl.Run(ctx, downloader.Request{URI: path, Kind: kind})
	if rep == nil {
		return errors.Wrap(runErr, "inspect failed")
	}

	fmt.Printf("package:       %s\n", path)
	fmt.Printf("size:          %s\n", humanize.IBytes(rep.PackageSize))
	fmt.Printf("parsed:        %s\n", humanize.IBytes(rep.Downloaded))
	fmt.Printf("payload:       %s\n", humanize.IBytes(rep.Stored))
	fmt.Printf("checksum:      0x%08x\n", rep.Checksum)
	fmt.Printf("result:        %s\n", rep.Result)
	fmt.Printf("update_state:  %s (%d)\n", updates.state, updates.state.Code(kind))
	fmt.Printf("update_result: %s (%d)\n", updates.result, updates.result.Code(kind))

	if runErr != nil {
		slog.Debug("inspect_fault", "error", runErr)
		return errors.Wrap(runErr, "package rejected")
	}
	return nil
}
