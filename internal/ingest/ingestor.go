// Package ingest turns Pub/Sub push deliveries into immutable log fragments
// and folds those fragments into a single master log.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/ingestion-runtime/internal/telemetry"
)

// Outcome classifies a delivery that was acknowledged.
type Outcome int

// Acknowledged outcomes. Each maps to a 200 so Pub/Sub stops redelivering.
const (
	OutcomeWritten Outcome = iota
	OutcomeDuplicate
	OutcomeInvalidEnvelope
	OutcomeMalformedData
)

// Message is the response body sent back to the push subscription.
func (o Outcome) Message() string {
	switch o {
	case OutcomeWritten:
		return "Fragment written"
	case OutcomeDuplicate:
		return "Duplicate acknowledged"
	case OutcomeInvalidEnvelope:
		return "Invalid request format, acknowledged."
	case OutcomeMalformedData:
		return "Malformed data, acknowledged."
	default:
		return "unknown"
	}
}

func (o Outcome) String() string {
	switch o {
	case OutcomeWritten:
		return "written"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeInvalidEnvelope:
		return "invalid_envelope"
	case OutcomeMalformedData:
		return "malformed"
	default:
		return "unknown"
	}
}

// IngestorConfig controls where fragments are written.
type IngestorConfig struct {
	FragmentsPrefix string
}

// Ingestor writes one fragment per delivered log entry.
type Ingestor struct {
	store  ObjectStore
	clock  Clock
	ids    IDGenerator
	ledger Ledger
	cfg    IngestorConfig
	logger *zap.Logger
}

// NewIngestor constructs an Ingestor. ledger may be nil.
func NewIngestor(
	store ObjectStore,
	clock Clock,
	ids IDGenerator,
	ledger Ledger,
	cfg IngestorConfig,
	logger *zap.Logger,
) *Ingestor {
	if cfg.FragmentsPrefix == "" {
		cfg.FragmentsPrefix = "fragments/"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		store:  store,
		clock:  clock,
		ids:    ids,
		ledger: ledger,
		cfg:    cfg,
		logger: logger,
	}
}

// Ingest handles one push request body. A returned error means the delivery
// must be retried; every acknowledged case is reported as an Outcome.
func (i *Ingestor) Ingest(ctx context.Context, body []byte) (Outcome, error) {
	if i.store == nil {
		i.logger.Error("object store is not initialized, service is misconfigured")
		return 0, ErrNotConfigured
	}

	msg, entry, err := decodeEnvelope(body)
	if err != nil {
		outcome := OutcomeMalformedData
		if errors.Is(err, errInvalidEnvelope) {
			outcome = OutcomeInvalidEnvelope
		}
		i.logger.Warn("discarding message", zap.Stringer("outcome", outcome), zap.Error(err))
		telemetry.ObserveFragment(outcome.String())
		return outcome, nil
	}

	now := i.clock.Now()
	timestamp, ok := entryTimestamp(entry)
	if !ok {
		timestamp = formatTimestamp(now)
	}
	messageID := msg.id()
	if messageID == "" {
		messageID, err = i.ids.NewID()
		if err != nil {
			return 0, fmt.Errorf("generate message id: %w", err)
		}
	}
	name := FragmentName(i.cfg.FragmentsPrefix, timestamp, messageID)

	if err := i.store.Write(ctx, name, "application/json", entry, 0); err != nil {
		if errors.Is(err, ErrPreconditionFailed) {
			i.logger.Info("duplicate message, fragment already exists", zap.String("fragment", name))
			telemetry.ObserveFragment(OutcomeDuplicate.String())
			return OutcomeDuplicate, nil
		}
		telemetry.ObserveFragment("error")
		return 0, fmt.Errorf("write fragment %s: %w", name, err)
	}

	if i.ledger != nil {
		rec := FragmentRecord{
			ObjectName:     name,
			MessageID:      messageID,
			EntryTimestamp: timestamp,
			ReceivedAt:     now,
		}
		if err := i.ledger.RecordFragment(ctx, rec); err != nil {
			i.logger.Warn("failed to record fragment in ledger", zap.String("fragment", name), zap.Error(err))
		}
	}

	telemetry.ObserveFragment(OutcomeWritten.String())
	i.logger.Debug("fragment written", zap.String("fragment", name), zap.String("message_id", messageID))
	return OutcomeWritten, nil
}
