package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/lwm2mcore/pkgdwl/pkg/db"
	"github.com/lwm2mcore/pkgdwl/pkg/errors"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all downloads and the update object state",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	for _, kind := range []string{"firmware", "software"} {
		obj, err := repo.GetUpdateObject(kind)
		if err != nil {
			return errors.Wrap(err, "update object lookup failed")
		}
		fmt.Printf("%-9s update_state=%d update_result=%d (%s)\n", kind, obj.UpdateState, obj.UpdateResult, obj.UpdatedAt)
	}
	fmt.Println()

	downloads, err := repo.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(downloads) == 0 {
		fmt.Println("No downloads found")
		return nil
	}

	fmt.Printf("%-50s %-9s %-12s %-22s %-18s\n", "URI", "KIND", "STATUS", "PROGRESS", "SHA256")
	fmt.Println("------------------------------------------------------------------------------------------------------------------")

	for _, d := range downloads {
		progress := humanize.IBytes(uint64(d.StreamOffset))
		if d.PackageSize > 0 {
			progress += " / " + humanize.IBytes(uint64(d.PackageSize))
		}
		sha := "-"
		if len(d.SHA256) >= 16 {
			sha = d.SHA256[:16]
		}

		fmt.Printf("%-50s %-9s %-12s %-22s %-18s\n", d.URI, d.Kind, d.Status, progress, sha)
		if d.ErrorMessage != "" {
			fmt.Printf("  error: %s\n", d.ErrorMessage)
		}
	}

	return nil
}
