package token

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/blindslot/internal/domain/protocol"
	"github.com/okian/blindslot/pkg/logger"
	"github.com/okian/blindslot/pkg/metrics"
)

// MappingReceiver accepts the private mapping for one request. Participant
// scorers implement it.
type MappingReceiver interface {
	ReceiveMapping(ctx context.Context, requestID string, m protocol.Mapping) error
}

// Directory resolves a participant id to its receiver.
type Directory interface {
	Receiver(participantID string) (MappingReceiver, bool)
}

// DirectoryFunc adapts a function to Directory.
type DirectoryFunc func(participantID string) (MappingReceiver, bool)

// Receiver implements Directory.
func (f DirectoryFunc) Receiver(participantID string) (MappingReceiver, bool) { return f(participantID) }

// Broker performs the out-of-band distribution: the caller gets the token
// list, each participant gets the mapping directly.
type Broker struct {
	svc *Service
	dir Directory
	log logger.Logger
}

// NewBroker creates a broker over svc and dir.
func NewBroker(svc *Service, dir Directory) *Broker {
	return &Broker{svc: svc, dir: dir, log: logger.Named("token")}
}

// Issue generates tokens for the request, delivers the mapping to every
// participant and returns the token list only.
func (b *Broker) Issue(ctx context.Context, requestID string, slots []time.Time, participants []string) (protocol.TokenList, error) {
	receivers := make([]MappingReceiver, len(participants))
	for i, id := range participants {
		r, ok := b.dir.Receiver(id)
		if !ok {
			return nil, fmt.Errorf("issue tokens: %w: %q", protocol.ErrUnknownParticipant, id)
		}
		receivers[i] = r
	}

	list, mapping, err := b.svc.Generate(requestID, slots)
	if err != nil {
		return nil, err
	}

	for i, r := range receivers {
		if err := r.ReceiveMapping(ctx, requestID, mapping.Clone()); err != nil {
			return nil, fmt.Errorf("issue tokens: deliver to %q: %w", participants[i], err)
		}
	}

	metrics.RecordTokensIssued(len(list))
	b.log.Debug(ctx, "tokens issued",
		logger.String("request_id", requestID),
		logger.Int("tokens", len(list)),
		logger.Int("participants", len(participants)),
		logger.String("mode", string(b.svc.Mode())))
	return list, nil
}
