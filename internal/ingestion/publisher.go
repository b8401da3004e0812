package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"EUSDEngine/internal/event"
	fpmath "EUSDEngine/internal/math"
	"EUSDEngine/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStream        = "EUSD_EVENTS"
	OutboundSubjectPrefix = "eusd.events."
)

// EventPublisher is the subset of jetstream.JetStream used for publishing.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes log events to JetStream for downstream
// consumers. Subjects follow eusd.events.{kind}. Each message carries the
// event sequence as Nats-Msg-Id so redeliveries are dropped by the stream.
type OutboundPublisher struct {
	js        EventPublisher
	log       event.Reader
	cursor    atomic.Int64
	batchSize int
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

// PublishableEvent is the JSON wire format of an outbound event. Amounts are
// decimal strings.
type PublishableEvent struct {
	Sequence        int64     `json:"sequence"`
	Kind            string    `json:"kind"`
	Account         string    `json:"account"`
	CollateralDelta string    `json:"collateral_delta"`
	DebtDelta       string    `json:"debt_delta"`
	Collateral      string    `json:"collateral"`
	Debt            string    `json:"debt"`
	Ratio           string    `json:"ratio,omitempty"`
	Price           string    `json:"price,omitempty"`
	Liquidator      string    `json:"liquidator,omitempty"`
	Seized          string    `json:"seized,omitempty"`
	Shortfall       string    `json:"shortfall,omitempty"`
	LiquidationID   string    `json:"liquidation_id,omitempty"`
	Hash            string    `json:"hash"`
	PrevHash        string    `json:"prev_hash"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewOutboundPublisher starts publishing after cursor. A cursor past the log
// tip is pulled back to it, so sequences the log has yet to assign are never
// skipped.
func NewOutboundPublisher(js EventPublisher, log event.Reader, cursor int64, logger zerolog.Logger, metrics *observability.Metrics) *OutboundPublisher {
	op := &OutboundPublisher{
		js:        js,
		log:       log,
		batchSize: 256,
		logger:    logger,
		metrics:   metrics,
	}
	if tip := log.Latest().Sequence; cursor > tip {
		logger.Warn().Int64("cursor", cursor).Int64("tip", tip).Msg("publisher cursor ahead of log, clamping to tip")
		cursor = tip
	}
	op.cursor.Store(cursor)
	return op
}

// ToPublishable converts an event to its wire format.
func ToPublishable(ev event.Event) PublishableEvent {
	p := PublishableEvent{
		Sequence:        ev.Sequence,
		Kind:            ev.Kind.String(),
		Account:         string(ev.Account),
		CollateralDelta: fpmath.FormatDecimal(ev.CollateralDelta, fpmath.AmountConfig),
		DebtDelta:       fpmath.FormatDecimal(ev.DebtDelta, fpmath.AmountConfig),
		Collateral:      fpmath.FormatDecimal(ev.Collateral, fpmath.AmountConfig),
		Debt:            fpmath.FormatDecimal(ev.Debt, fpmath.AmountConfig),
		Liquidator:      string(ev.Liquidator),
		LiquidationID:   ev.LiquidationID,
		Hash:            hex.EncodeToString(ev.Hash[:]),
		PrevHash:        hex.EncodeToString(ev.PrevHash[:]),
		Timestamp:       ev.Timestamp.UTC(),
	}
	if ev.HasRatio {
		p.Ratio = fpmath.FormatDecimal(ev.Ratio, fpmath.RatioConfig)
	}
	if ev.Price > 0 {
		p.Price = fpmath.FormatDecimal(ev.Price, fpmath.PriceConfig)
	}
	if ev.Seized > 0 {
		p.Seized = fpmath.FormatDecimal(ev.Seized, fpmath.AmountConfig)
	}
	if ev.Shortfall > 0 {
		p.Shortfall = fpmath.FormatDecimal(ev.Shortfall, fpmath.AmountConfig)
	}
	return p
}

// Subject returns the outbound subject for an event kind.
func Subject(kind event.Kind) string {
	return OutboundSubjectPrefix + strings.ToLower(kind.String())
}

// Cursor returns the last sequence acknowledged by JetStream.
func (op *OutboundPublisher) Cursor() int64 {
	return op.cursor.Load()
}

// Run publishes events after the cursor until ctx is cancelled. A failed
// publish is retried from the same sequence, so delivery is at-least-once.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	op.logger.Info().Int64("cursor", op.cursor.Load()).Msg("outbound publisher started")
	backoff := 100 * time.Millisecond

	for {
		notify := op.log.Notify()
		n, err := op.PublishPending(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			op.logger.Warn().Err(err).Int64("cursor", op.cursor.Load()).Dur("backoff", backoff).Msg("outbound publish failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond
		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-notify:
		}
	}
}

// PublishPending publishes one batch after the cursor and returns how many
// events were acknowledged.
func (op *OutboundPublisher) PublishPending(ctx context.Context) (int, error) {
	events, err := op.log.ReadFrom(op.cursor.Load(), op.batchSize)
	if errors.Is(err, event.ErrCompacted) {
		// Already persisted; downstream can backfill from the event store.
		op.logger.Warn().Int64("cursor", op.cursor.Load()).Int64("oldest", op.log.Oldest()).Msg("publisher behind compacted log, skipping ahead")
		events, err = op.skipToRetained()
	}
	if err != nil {
		return 0, err
	}

	for i, ev := range events {
		if err := op.publish(ctx, ev); err != nil {
			return i, fmt.Errorf("publish seq=%d: %w", ev.Sequence, err)
		}
		op.cursor.Store(ev.Sequence)
		if op.metrics != nil {
			op.metrics.PublishTotal.WithLabelValues("ok").Inc()
			op.metrics.PublishCursor.Set(float64(ev.Sequence))
		}
	}
	return len(events), nil
}

func (op *OutboundPublisher) skipToRetained() ([]event.Event, error) {
	op.cursor.Store(op.log.Oldest())
	return op.log.ReadFrom(op.cursor.Load(), op.batchSize)
}

func (op *OutboundPublisher) publish(ctx context.Context, ev event.Event) error {
	data, err := json.Marshal(ToPublishable(ev))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = op.js.Publish(ctx, Subject(ev.Kind), data, jetstream.WithMsgID(strconv.FormatInt(ev.Sequence, 10)))
	if err != nil && op.metrics != nil {
		op.metrics.PublishTotal.WithLabelValues("error").Inc()
	}
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{OutboundSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return stream, nil
}

// LastPublished returns the newest message in the outbound stream, or nil
// when the stream is empty.
func LastPublished(ctx context.Context, stream jetstream.Stream) (*PublishableEvent, error) {
	msg, err := stream.GetLastMsgForSubject(ctx, OutboundSubjectPrefix+">")
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last outbound message: %w", err)
	}

	var p PublishableEvent
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		return nil, fmt.Errorf("decode last outbound message: %w", err)
	}
	return &p, nil
}

var (
	// ErrStreamAhead means the outbound stream holds events the recovered
	// log does not have. Publishing would reuse their sequences.
	ErrStreamAhead = errors.New("outbound stream ahead of event log")
	// ErrStreamDiverged means the stream's last event differs from the
	// persisted event at the same sequence.
	ErrStreamDiverged = errors.New("outbound stream diverged from event log")
)

// EventLookup loads persisted events by sequence.
type EventLookup interface {
	LoadEventsFrom(ctx context.Context, after int64, limit int) ([]event.Event, error)
}

// ResumeCursor returns the sequence to resume publishing after. The last
// published event must exist in the log with the same hash; anything else
// means consumers hold events this process never persisted.
func ResumeCursor(ctx context.Context, last *PublishableEvent, tip event.Tip, store EventLookup) (int64, error) {
	if last == nil {
		return 0, nil
	}
	if last.Sequence > tip.Sequence {
		return 0, fmt.Errorf("%w: stream at %d, log at %d", ErrStreamAhead, last.Sequence, tip.Sequence)
	}

	want := tip.Hash
	if last.Sequence < tip.Sequence {
		events, err := store.LoadEventsFrom(ctx, last.Sequence-1, 1)
		if err != nil {
			return 0, fmt.Errorf("load event %d: %w", last.Sequence, err)
		}
		if len(events) == 0 || events[0].Sequence != last.Sequence {
			return 0, fmt.Errorf("%w: event %d not persisted", ErrStreamDiverged, last.Sequence)
		}
		want = events[0].Hash
	}
	if last.Hash != hex.EncodeToString(want[:]) {
		return 0, fmt.Errorf("%w: hash mismatch at %d", ErrStreamDiverged, last.Sequence)
	}
	return last.Sequence, nil
}
