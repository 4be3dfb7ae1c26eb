// Package fsm runs package downloads as durable jobs. Each job checks the
// download record, drives the downloader state machine and records the
// outcome, using the superfly/fsm library.
package fsm

import (
	"context"

	"github.com/lwm2mcore/pkgdwl/pkg/errors"
	"github.com/superfly/fsm"
)

// Register registers the package download FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[PackageRequest, PackageResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[PackageRequest, PackageResponse](manager, "package-download").
		Start(StateCheckDB, m.handleCheckDB).
		To(StateDownload, m.handleDownload).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
