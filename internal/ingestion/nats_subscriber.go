package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	fpmath "EUSDEngine/internal/math"
	"EUSDEngine/internal/observability"
	"EUSDEngine/internal/oracle"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	PriceStream        = "EUSD_PRICES"
	PriceSubjectPrefix = "eusd.prices."
)

// PriceSink receives accepted price readings.
type PriceSink interface {
	Update(r oracle.Reading) bool
}

// PriceMirror optionally republishes accepted readings, e.g. to Redis so
// other engine instances share one price.
type PriceMirror interface {
	SetPrice(ctx context.Context, price int64, ts time.Time) error
}

// PriceSubscriber consumes price updates for one asset from JetStream and
// feeds them to the oracle.
type PriceSubscriber struct {
	js        jetstream.JetStream
	asset     string
	sink      PriceSink
	mirror    PriceMirror
	sequencer *PriceSequencer
	consumer  jetstream.ConsumeContext
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewPriceSubscriber(js jetstream.JetStream, asset string, sink PriceSink, mirror PriceMirror, logger zerolog.Logger, metrics *observability.Metrics) *PriceSubscriber {
	return &PriceSubscriber{
		js:        js,
		asset:     strings.ToUpper(asset),
		sink:      sink,
		mirror:    mirror,
		sequencer: NewPriceSequencer(),
		logger:    logger,
		metrics:   metrics,
	}
}

// PriceSubject returns the subject carrying updates for asset.
func PriceSubject(asset string) string {
	return PriceSubjectPrefix + strings.ToLower(asset)
}

// Subscribe creates a durable consumer and starts consuming. Consumers use
// explicit ACK, max_deliver=5, ack_wait=30s, and start from the newest
// message since only the latest price is relevant.
func (ps *PriceSubscriber) Subscribe(ctx context.Context) error {
	consumerName := "eusd-engine-prices-" + strings.ToLower(ps.asset)
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, PriceStream, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: PriceSubject(ps.asset),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverLastPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := ps.Handle(ctx, msg.Data()); err != nil {
			ps.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("price update rejected")
			// Malformed payloads will never parse; terminate instead of redelivering.
			msg.Term()
			return
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName, err)
	}

	ps.consumer = cc
	ps.logger.Info().Str("subject", PriceSubject(ps.asset)).Str("consumer", consumerName).Msg("subscribed to price feed")
	return nil
}

// Handle parses and applies one price message.
func (ps *PriceSubscriber) Handle(ctx context.Context, data []byte) error {
	update, err := ParsePriceUpdate(data)
	if err != nil {
		ps.count("invalid")
		return err
	}
	if update.Asset != ps.asset {
		ps.count("wrong_asset")
		return fmt.Errorf("price update for %s on %s feed", update.Asset, ps.asset)
	}

	accept, gap := ps.sequencer.Accept(update.Asset, update.Sequence)
	if gap {
		ps.logger.Warn().
			Int64("sequence", update.Sequence).
			Int64("gaps", ps.sequencer.Gaps(update.Asset)).
			Msg("price sequence gap")
		if ps.metrics != nil {
			ps.metrics.PriceSeqGaps.Inc()
		}
	}
	if !accept {
		ps.count("stale")
		return nil
	}

	if !ps.sink.Update(update.Reading()) {
		ps.count("stale")
		return nil
	}
	ps.count("ok")

	if ps.mirror != nil {
		if err := ps.mirror.SetPrice(ctx, update.Price, update.AsOf); err != nil {
			ps.logger.Warn().Err(err).Msg("price mirror write failed")
		}
	}

	ps.logger.Debug().
		Str("price", fpmath.FormatDecimal(update.Price, fpmath.PriceConfig)).
		Int64("sequence", update.Sequence).
		Time("as_of", update.AsOf).
		Msg("price updated")
	return nil
}

func (ps *PriceSubscriber) count(result string) {
	if ps.metrics != nil {
		ps.metrics.PriceUpdates.WithLabelValues(result).Inc()
	}
}

// Stop stops the consumer.
func (ps *PriceSubscriber) Stop() {
	if ps.consumer != nil {
		ps.consumer.Stop()
	}
	ps.logger.Info().Msg("price subscriber stopped")
}

// EnsurePriceStream creates the price feed stream if it does not exist.
func EnsurePriceStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              PriceStream,
		Subjects:          []string{PriceSubjectPrefix + ">"},
		Storage:           jetstream.FileStorage,
		Retention:         jetstream.LimitsPolicy,
		MaxAge:            24 * time.Hour,
		MaxMsgsPerSubject: 1000,
		Replicas:          1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", PriceStream, err)
	}
	logger.Info().Str("stream", PriceStream).Msg("ensured price stream")
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("eusd-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
