package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lwm2mcore/pkgdwl/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for downloads and update objects
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

const downloadColumns = `id, uri, kind, status, package_size, stream_offset, store_offset,
       image_path, sha256, checkpoint, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(row rowScanner) (*Download, error) {
	var d Download
	var imagePath, sha, checkpoint, errorMessage sql.NullString
	err := row.Scan(
		&d.ID, &d.URI, &d.Kind, &d.Status, &d.PackageSize, &d.StreamOffset, &d.StoreOffset,
		&imagePath, &sha, &checkpoint, &errorMessage, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.ImagePath = imagePath.String
	d.SHA256 = sha.String
	d.Checkpoint = checkpoint.String
	d.ErrorMessage = errorMessage.String
	return &d, nil
}

// Create inserts a new download record
func (r *Repository) Create(d *Download) error {
	slog.Info("database_create_download", "uri", d.URI, "kind", d.Kind, "status", d.Status)

	query := `
		INSERT INTO downloads (uri, kind, status, package_size, stream_offset, store_offset,
		                       image_path, sha256, checkpoint, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		d.URI, d.Kind, d.Status, d.PackageSize, d.StreamOffset, d.StoreOffset,
		d.ImagePath, d.SHA256, d.Checkpoint, d.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "uri", d.URI, "error", err)
		return errors.Wrap(err, "failed to insert download")
	}

	id, err := result.LastInsertId()
	if err != nil {
		slog.Error("database_last_insert_id_failed", "uri", d.URI, "error", err)
		return errors.Wrap(err, "failed to get last insert id")
	}
	d.ID = id

	slog.Info("database_download_created", "uri", d.URI, "download_id", d.ID)
	return nil
}

// GetByURI retrieves a download by package URI. It returns nil when none exists.
func (r *Repository) GetByURI(uri string) (*Download, error) {
	slog.Debug("database_query_download", "uri", uri)

	d, err := scanDownload(r.db.QueryRow(`SELECT `+downloadColumns+` FROM downloads WHERE uri = ?`, uri))
	if err == sql.ErrNoRows {
		slog.Debug("database_download_not_found", "uri", uri)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "uri", uri, "error", err)
		return nil, errors.Wrap(err, "failed to query download")
	}
	return d, nil
}

// Update updates an existing download record
func (r *Repository) Update(d *Download) error {
	slog.Info("database_update_download", "download_id", d.ID, "uri", d.URI, "status", d.Status)

	query := `
		UPDATE downloads
		SET kind = ?, status = ?, package_size = ?, stream_offset = ?, store_offset = ?,
		    image_path = ?, sha256 = ?, checkpoint = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		d.Kind, d.Status, d.PackageSize, d.StreamOffset, d.StoreOffset,
		d.ImagePath, d.SHA256, d.Checkpoint, d.ErrorMessage, d.ID)
	if err != nil {
		slog.Error("database_update_failed", "download_id", d.ID, "error", err)
		return errors.Wrap(err, "failed to update download")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "download_id", d.ID, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_download_not_found_for_update", "download_id", d.ID)
		return fmt.Errorf("download not found: id=%d", d.ID)
	}
	return nil
}

// UpdateStatus updates only the status and error message
func (r *Repository) UpdateStatus(id int64, status, errorMessage string) error {
	slog.Info("database_update_status", "download_id", id, "status", status)

	query := `UPDATE downloads SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.Exec(query, status, errorMessage, id); err != nil {
		slog.Error("database_status_update_failed", "download_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}
	return nil
}

// SaveCheckpoint records a resume point and the offsets it was taken at
func (r *Repository) SaveCheckpoint(id int64, checkpoint string, streamOffset, storeOffset int64) error {
	query := `
		UPDATE downloads
		SET checkpoint = ?, stream_offset = ?, store_offset = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	if _, err := r.db.Exec(query, checkpoint, streamOffset, storeOffset, id); err != nil {
		slog.Error("database_checkpoint_failed", "download_id", id, "stream_offset", streamOffset, "error", err)
		return errors.Wrap(err, "failed to save checkpoint")
	}
	return nil
}

// List retrieves all downloads, newest first
func (r *Repository) List() ([]*Download, error) {
	rows, err := r.db.Query(`SELECT ` + downloadColumns + ` FROM downloads ORDER BY created_at DESC, id DESC`)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list downloads")
	}
	defer rows.Close()

	var downloads []*Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		downloads = append(downloads, d)
	}
	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Debug("database_list_complete", "download_count", len(downloads))
	return downloads, nil
}

// Delete deletes a download by ID
func (r *Repository) Delete(id int64) error {
	slog.Info("database_delete_download", "download_id", id)

	if _, err := r.db.Exec(`DELETE FROM downloads WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "download_id", id, "error", err)
		return errors.Wrap(err, "failed to delete download")
	}
	return nil
}

// SetUpdateState stores the update state resource of the object kind
func (r *Repository) SetUpdateState(kind string, state int) error {
	return r.setObjectField(kind, "update_state", state)
}

// SetUpdateResult stores the update result resource of the object kind
func (r *Repository) SetUpdateResult(kind string, result int) error {
	return r.setObjectField(kind, "update_result", result)
}

func (r *Repository) setObjectField(kind, column string, value int) error {
	slog.Info("database_update_object", "kind", kind, "field", column, "value", value)

	query := `UPDATE update_objects SET ` + column + ` = ?, updated_at = CURRENT_TIMESTAMP WHERE kind = ?`
	result, err := r.db.Exec(query, value, kind)
	if err != nil {
		slog.Error("database_update_object_failed", "kind", kind, "field", column, "error", err)
		return errors.Wrapf(err, "failed to update %s", column)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("unknown update object: %s", kind)
	}
	return nil
}

// GetUpdateObject returns the persisted state of the object kind
func (r *Repository) GetUpdateObject(kind string) (*UpdateObject, error) {
	var o UpdateObject
	err := r.db.QueryRow(
		`SELECT kind, update_state, update_result, updated_at FROM update_objects WHERE kind = ?`, kind,
	).Scan(&o.Kind, &o.UpdateState, &o.UpdateResult, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("unknown update object: %s", kind)
	}
	if err != nil {
		slog.Error("database_query_object_failed", "kind", kind, "error", err)
		return nil, errors.Wrap(err, "failed to query update object")
	}
	return &o, nil
}
