package audit

import (
	"context"
	"errors"

	"github.com/apathy-ca/sark-sub005/pkg/stream"
)

// HubSink publishes events for live tailing. Delivery to individual
// subscribers is best effort.
type HubSink struct {
	Hub *stream.Hub
}

func (HubSink) Name() string { return "hub" }

func (s HubSink) Write(_ context.Context, e Event) error {
	if s.Hub == nil {
		return errors.New("hub sink: hub not configured")
	}
	s.Hub.Publish(stream.NewEventAt(stream.TypeDecision, e.OccurredAt, e))
	return nil
}
