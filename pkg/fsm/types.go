package fsm

// PackageRequest is the FSM input
type PackageRequest struct {
	URI  string
	Kind string
	// Resume continues from the stored checkpoint of a previous run.
	Resume bool
}

// PackageResponse is the FSM output (accumulated across transitions)
type PackageResponse struct {
	// From CheckDB
	DownloadID int64

	// From Download
	ImagePath   string
	PackageSize uint64
	Downloaded  uint64
	Stored      uint64
	Checksum    uint32
	SHA256      string

	// From Download/Failed
	Result       string
	UpdateResult string

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateCheckDB  = "check_db"
	StateDownload = "download"
	StateComplete = "complete"
	StateFailed   = "failed"
)
