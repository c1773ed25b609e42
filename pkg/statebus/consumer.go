// Package statebus follows the policy control topic and reports policy
// version changes to the decision cache.
package statebus

import (
	"context"
	"time"
)

// Message is one record from the control topic. Offset and Partition
// identify it for commit; consumers other than Kafka may leave them zero.
type Message struct {
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64
	Time      time.Time
}

// Consumer delivers control messages at least once. A fetched message is
// redelivered after a restart unless it was committed.
type Consumer interface {
	FetchMessage(ctx context.Context) (Message, error)
	CommitMessage(ctx context.Context, msg Message) error
	Close() error
}
