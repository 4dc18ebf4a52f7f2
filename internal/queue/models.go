// Package queue holds the public engine type for the work queue: the
// leasing/polling facade and lifecycle (Engine), built on top of the
// storage-agnostic types defined in internal/queue/queuemodel.
package queue

import "github.com/relqueue/relqueue/internal/queue/queuemodel"

// Message, PushMessage and BackendError are re-exported here (as aliases of
// their queuemodel definitions) so callers of this package never need to
// import queuemodel directly.
type (
	Message      = queuemodel.Message
	PushMessage  = queuemodel.PushMessage
	BackendError = queuemodel.BackendError
)

var NewBackendError = queuemodel.NewBackendError
