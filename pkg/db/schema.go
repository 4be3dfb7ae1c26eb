package db

// Schema defines the SQLite database schema for package downloads.
// downloads tracks one row per package URI including its resume checkpoint;
// update_objects holds the LWM2M-visible update state and result of the
// firmware and software objects.
const Schema = `
CREATE TABLE IF NOT EXISTS downloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    uri TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL CHECK(kind IN ('firmware', 'software')),
    status TEXT NOT NULL CHECK(status IN ('pending', 'downloading', 'downloaded', 'failed', 'cleaned')),
    package_size INTEGER NOT NULL DEFAULT 0,
    stream_offset INTEGER NOT NULL DEFAULT 0,
    store_offset INTEGER NOT NULL DEFAULT 0,
    image_path TEXT,
    sha256 TEXT,
    checkpoint TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_downloads_uri ON downloads(uri);
CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
CREATE INDEX IF NOT EXISTS idx_downloads_created_at ON downloads(created_at);

CREATE TABLE IF NOT EXISTS update_objects (
    kind TEXT PRIMARY KEY CHECK(kind IN ('firmware', 'software')),
    update_state INTEGER NOT NULL DEFAULT 0,
    update_result INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

INSERT OR IGNORE INTO update_objects (kind) VALUES ('firmware'), ('software');
`

// Status constants
const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusDownloaded  = "downloaded"
	StatusFailed      = "failed"
	StatusCleaned     = "cleaned"
)

// Download represents a package download record
type Download struct {
	ID           int64
	URI          string
	Kind         string
	Status       string
	PackageSize  int64
	StreamOffset int64
	StoreOffset  int64
	ImagePath    string
	SHA256       string
	Checkpoint   string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}

// UpdateObject is the persisted state of one LWM2M update object.
// UpdateState and UpdateResult hold resource values as read by the server.
type UpdateObject struct {
	Kind         string
	UpdateState  int
	UpdateResult int
	UpdatedAt    string
}
