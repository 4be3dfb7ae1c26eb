package fsm

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"

	"github.com/lwm2mcore/pkgdwl/pkg/db"
	"github.com/lwm2mcore/pkgdwl/pkg/downloader"
	"github.com/lwm2mcore/pkgdwl/pkg/errors"
	"github.com/lwm2mcore/pkgdwl/pkg/security"
	"github.com/lwm2mcore/pkgdwl/pkg/source"
)

// recordSink persists update fields and checkpoints of one download record.
type recordSink struct {
	repo *db.Repository
	id   int64
}

func (s *recordSink) SetUpdateState(_ context.Context, kind downloader.UpdateKind, state downloader.UpdateState) error {
	return s.repo.SetUpdateState(kind.String(), state.Code(kind))
}

func (s *recordSink) SetUpdateResult(_ context.Context, kind downloader.UpdateKind, result downloader.UpdateResult) error {
	return s.repo.SetUpdateResult(kind.String(), result.Code(kind))
}

func (s *recordSink) SaveCheckpoint(_ context.Context, cp downloader.Checkpoint) error {
	raw, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	return s.repo.SaveCheckpoint(s.id, raw, int64(cp.StreamOffset), int64(cp.StoreOffset))
}

func encodeCheckpoint(cp downloader.Checkpoint) (string, error) {
	b, err := json.Marshal(cp)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode checkpoint")
	}
	return string(b), nil
}

// decodeCheckpoint returns nil for an empty checkpoint.
func decodeCheckpoint(raw string) (*downloader.Checkpoint, error) {
	if raw == "" {
		return nil, nil
	}
	var cp downloader.Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	return &cp, nil
}

// outcome tells the job what to do with a finished run.
type outcome int

const (
	outcomeDone outcome = iota
	// outcomeRetry leaves the record downloading; the next attempt resumes.
	outcomeRetry
	// outcomeRestart drops the stored checkpoint before retrying.
	outcomeRestart
	// outcomeSuspend stops the job and leaves the record resumable.
	outcomeSuspend
	outcomeFail
)

func (o outcome) String() string {
	switch o {
	case outcomeDone:
		return "done"
	case outcomeRetry:
		return "retry"
	case outcomeRestart:
		return "restart"
	case outcomeSuspend:
		return "suspend"
	}
	return "fail"
}

// classify maps the result of downloader.Run onto a job outcome.
func classify(rep *downloader.Report, err error) outcome {
	switch {
	case err == nil:
		return outcomeDone
	case stderrors.Is(err, source.ErrSuspended):
		return outcomeSuspend
	case stderrors.Is(err, source.ErrAborted), stderrors.Is(err, security.ErrPolicy):
		return outcomeFail
	case stderrors.Is(err, downloader.ErrBadCheckpoint):
		return outcomeRestart
	case rep != nil && rep.Result == downloader.ResultCommunication:
		return outcomeRetry
	}
	slog.Debug("download_fault_not_retryable", "error", err)
	return outcomeFail
}
