package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lwm2mcore/pkgdwl/internal/config"
	"github.com/lwm2mcore/pkgdwl/pkg/db"
	"github.com/lwm2mcore/pkgdwl/pkg/errors"
	"github.com/lwm2mcore/pkgdwl/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	cleanupAll      bool
	cleanupURI      string
	cleanupOrphaned bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up downloaded images and resume checkpoints",
	Long: `Clean up resources associated with downloads:
  --all              Clean all images and checkpoints
  --uri <uri>        Clean the image of a specific package
  --orphaned         Remove image files not tracked in database`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Clean all resources")
	cleanupCmd.Flags().StringVar(&cleanupURI, "uri", "", "Clean specific package by URI")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Clean orphaned image files")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	if cleanupAll {
		return cleanupAllDownloads(repo)
	} else if cleanupURI != "" {
		return cleanupSpecificDownload(repo, cleanupURI)
	} else if cleanupOrphaned {
		return cleanupOrphanedImages(repo, cfg)
	} else {
		return fmt.Errorf("must specify --all, --uri, or --orphaned")
	}
}

func cleanupAllDownloads(repo *db.Repository) error {
	downloads, err := repo.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	fmt.Printf("🧹 Cleaning up %d downloads...\n", len(downloads))

	for _, d := range downloads {
		if err := cleanupDownload(repo, d); err != nil {
			fmt.Printf("⚠️  Failed to clean %s: %v\n", d.URI, err)
		} else {
			fmt.Printf("✅ Cleaned: %s\n", d.URI)
		}
	}

	return nil
}

func cleanupSpecificDownload(repo *db.Repository, uri string) error {
	d, err := repo.GetByURI(uri)
	if err != nil {
		return errors.Wrap(err, "download lookup failed")
	}
	if d == nil {
		return fmt.Errorf("download not found: %s", uri)
	}

	fmt.Printf("🧹 Cleaning up %s...\n", uri)

	if err := cleanupDownload(repo, d); err != nil {
		return errors.Wrap(err, "cleanup failed")
	}

	fmt.Printf("✅ Cleaned: %s\n", uri)
	return nil
}

func cleanupDownload(repo *db.Repository, d *db.Download) error {
	if d.ImagePath != "" {
		if err := storage.Remove(d.ImagePath); err != nil {
			return err
		}
	}

	d.Status = db.StatusCleaned
	d.ImagePath = ""
	d.Checkpoint = ""
	d.StreamOffset = 0
	d.StoreOffset = 0
	if err := repo.Update(d); err != nil {
		return errors.Wrap(err, "failed to update database")
	}
	return nil
}

func cleanupOrphanedImages(repo *db.Repository, cfg *config.Config) error {
	fmt.Println("🔍 Scanning for orphaned images...")

	downloads, err := repo.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	tracked := make(map[string]bool, len(downloads))
	for _, d := range downloads {
		if d.ImagePath != "" {
			tracked[filepath.Base(d.ImagePath)] = true
		}
	}

	orphanCount := 0
	imageDir := filepath.Join(cfg.WorkDir, "images")
	entries, err := os.ReadDir(imageDir)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to read image directory")
	}
	for _, entry := range entries {
		if entry.IsDir() || tracked[entry.Name()] {
			continue
		}
		// In-flight downloads have no image path recorded yet.
		if isInFlight(downloads, entry.Name()) {
			continue
		}
		if err := storage.Remove(filepath.Join(imageDir, entry.Name())); err != nil {
			fmt.Printf("⚠️  Failed to remove orphaned image %s: %v\n", entry.Name(), err)
		} else {
			fmt.Printf("🗑️  Removed orphaned image: %s\n", entry.Name())
			orphanCount++
		}
	}

	fmt.Printf("✅ Removed %d orphaned images\n", orphanCount)
	return nil
}

func isInFlight(downloads []*db.Download, name string) bool {
	for _, d := range downloads {
		if d.Status != db.StatusDownloading && d.Status != db.StatusPending {
			continue
		}
		if strings.HasPrefix(name, fmt.Sprintf("%d-", d.ID)) {
			return true
		}
	}
	return false
}
