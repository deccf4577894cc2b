package eventbus

import (
	"github.com/coregx/eventbus/dlq"
	"github.com/coregx/eventbus/payload"
)

// DeadLetterRepository persists dead-lettered events.
// Implementations must be safe for concurrent use. adapters/relica ships a
// SQL implementation and dlq.MemoryStore an in-process one.
type DeadLetterRepository = dlq.Store

// PayloadRepository persists payload snapshots for the payload store.
type PayloadRepository = payload.Repository

// IDGenerator issues unique row ids for repositories that do not assign them.
type IDGenerator interface {
	Next() int64
}
