package offline0

import "errors"

var (
	// ErrInstallIncomplete means an essential resource could not be fetched
	// or stored. The attempted version is discarded and the active version is
	// left as it was.
	ErrInstallIncomplete = errors.New("install incomplete")

	// ErrNothingWaiting is returned by Activate when no installed version is
	// waiting to take over.
	ErrNothingWaiting = errors.New("no version waiting for activation")

	// ErrSyncJobFailure means a deferred sync job failed. The job stays
	// pending for a later wake.
	ErrSyncJobFailure = errors.New("sync job failed")

	// ErrPushHandling means a push or notification click could not be handled.
	ErrPushHandling = errors.New("push handling failed")

	ErrDispatcherClosed = errors.New("dispatcher closed")
)
