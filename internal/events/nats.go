package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/infra"
)

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events as JSON. The event type is appended to the base
// subject so consumers can subscribe to "generation.events.job.>" and similar.
type NATSSink struct {
	pub     Publisher
	subject string
	logger  *infra.Logger
}

func NewNATSSink(pub Publisher, subject string, logger *infra.Logger) *NATSSink {
	return &NATSSink{pub: pub, subject: subject, logger: infra.OrDiscard(logger)}
}

// ConnectNATS dials the server with reconnects enabled.
func ConnectNATS(url string, logger *infra.Logger) (*nats.Conn, error) {
	log := infra.OrDiscard(logger)
	conn, err := nats.Connect(url,
		nats.Name("generation-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("events: nats disconnected")
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect nats: %w", err)
	}
	return conn, nil
}

func (s *NATSSink) Emit(_ context.Context, e Event) {
	e = Stamp(e)
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error().Err(err).Str("event", e.Type).Msg("events: encode failed")
		return
	}
	subject := s.subject + "." + e.Type
	if err := s.pub.Publish(subject, data); err != nil {
		s.logger.Warn().Err(err).Str("subject", subject).Msg("events: publish failed")
	}
}
