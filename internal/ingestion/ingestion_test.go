package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"EUSDEngine/internal/event"
	"EUSDEngine/internal/ingestion"
	"EUSDEngine/internal/ledger"
	"EUSDEngine/internal/oracle"
	"EUSDEngine/internal/testutil"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

// fakeJS records publishes and fails the first failN calls.
type fakeJS struct {
	msgs  []published
	failN int
}

func (f *fakeJS) Publish(_ context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.failN > 0 {
		f.failN--
		return nil, errors.New("nats: timeout")
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return &jetstream.PubAck{Stream: ingestion.OutboundStream, Sequence: uint64(len(f.msgs))}, nil
}

func appendEvents(log *event.Log) {
	ts := time.Unix(1_700_000_000, 0)
	log.Append(event.Event{Kind: event.KindDeposited, Account: "alice", CollateralDelta: 150_000_000, Collateral: 150_000_000, Timestamp: ts})
	log.Append(event.Event{Kind: event.KindMinted, Account: "alice", DebtDelta: 100_000_000, Collateral: 150_000_000, Debt: 100_000_000, Ratio: 1_500_000, HasRatio: true, Price: 100_000_000, Timestamp: ts})
	log.Append(event.Event{Kind: event.KindUnderwaterShortfall, Account: "alice", Shortfall: 5_000_000, Liquidator: ledger.Account("bob"), LiquidationID: "liq-1", Timestamp: ts})
}

func TestOutboundPublisher_PublishesInOrder(t *testing.T) {
	log := event.NewLog()
	appendEvents(log)

	js := &fakeJS{}
	p := ingestion.NewOutboundPublisher(js, log, 0, zerolog.Nop(), nil)

	n, err := p.PublishPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, int64(3), p.Cursor())

	require.Equal(t, "eusd.events.deposited", js.msgs[0].subject)
	require.Equal(t, "eusd.events.minted", js.msgs[1].subject)
	require.Equal(t, "eusd.events.underwatershortfall", js.msgs[2].subject)

	var minted ingestion.PublishableEvent
	require.NoError(t, json.Unmarshal(js.msgs[1].data, &minted))
	require.Equal(t, int64(2), minted.Sequence)
	require.Equal(t, "1.5", minted.Collateral)
	require.Equal(t, "1", minted.Debt)
	require.Equal(t, "1.5", minted.Ratio)
	require.Len(t, minted.Hash, 64)

	var shortfall ingestion.PublishableEvent
	require.NoError(t, json.Unmarshal(js.msgs[2].data, &shortfall))
	require.Equal(t, "0.05", shortfall.Shortfall)
	require.Equal(t, "liq-1", shortfall.LiquidationID)
}

func TestOutboundPublisher_RetriesFromFailedSequence(t *testing.T) {
	log := event.NewLog()
	appendEvents(log)

	js := &fakeJS{failN: 1}
	p := ingestion.NewOutboundPublisher(js, log, 1, zerolog.Nop(), nil)

	_, err := p.PublishPending(context.Background())
	require.Error(t, err)
	require.Equal(t, int64(1), p.Cursor(), "cursor must not advance past a failed publish")

	n, err := p.PublishPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, int64(3), p.Cursor())
}

func TestOutboundPublisher_SkipsCompactedRange(t *testing.T) {
	log := event.NewLog()
	appendEvents(log)
	log.Compact(2)

	js := &fakeJS{}
	p := ingestion.NewOutboundPublisher(js, log, 0, zerolog.Nop(), nil)

	n, err := p.PublishPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int64(3), p.Cursor())
}

func TestOutboundPublisher_CursorAheadOfLogIsClamped(t *testing.T) {
	log := event.NewLog()
	appendEvents(log)

	js := &fakeJS{}
	p := ingestion.NewOutboundPublisher(js, log, 5, zerolog.Nop(), nil)
	require.Equal(t, int64(3), p.Cursor())

	n, err := p.PublishPending(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)

	// the next committed event is published, not skipped
	log.Append(event.Event{Kind: event.KindDeposited, Account: "bob", CollateralDelta: 1, Collateral: 1, Timestamp: time.Unix(1_700_000_001, 0)})
	n, err = p.PublishPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int64(4), p.Cursor())

	var ev ingestion.PublishableEvent
	require.NoError(t, json.Unmarshal(js.msgs[0].data, &ev))
	require.Equal(t, int64(4), ev.Sequence)
}

// storeFromLog serves LoadEventsFrom out of an in-memory log.
type storeFromLog struct{ log *event.Log }

func (s storeFromLog) LoadEventsFrom(_ context.Context, after int64, limit int) ([]event.Event, error) {
	return s.log.ReadFrom(after, limit)
}

func TestResumeCursor(t *testing.T) {
	ctx := context.Background()
	log := event.NewLog()
	appendEvents(log)
	store := storeFromLog{log}
	events, err := log.ReadFrom(0, 10)
	require.NoError(t, err)

	t.Run("empty stream", func(t *testing.T) {
		cursor, err := ingestion.ResumeCursor(ctx, nil, log.Latest(), store)
		require.NoError(t, err)
		require.Zero(t, cursor)
	})

	t.Run("stream at tip", func(t *testing.T) {
		last := ingestion.ToPublishable(events[2])
		cursor, err := ingestion.ResumeCursor(ctx, &last, log.Latest(), store)
		require.NoError(t, err)
		require.Equal(t, int64(3), cursor)
	})

	t.Run("stream behind tip", func(t *testing.T) {
		last := ingestion.ToPublishable(events[0])
		cursor, err := ingestion.ResumeCursor(ctx, &last, log.Latest(), store)
		require.NoError(t, err)
		require.Equal(t, int64(1), cursor)
	})

	t.Run("stream ahead of tip", func(t *testing.T) {
		last := ingestion.PublishableEvent{Sequence: 5}
		_, err := ingestion.ResumeCursor(ctx, &last, log.Latest(), store)
		require.ErrorIs(t, err, ingestion.ErrStreamAhead)
	})

	t.Run("different event at same sequence", func(t *testing.T) {
		last := ingestion.ToPublishable(events[1])
		last.Hash = ingestion.ToPublishable(events[0]).Hash
		_, err := ingestion.ResumeCursor(ctx, &last, log.Latest(), store)
		require.ErrorIs(t, err, ingestion.ErrStreamDiverged)
	})
}

type mirror struct {
	price int64
	ts    time.Time
}

func (m *mirror) SetPrice(_ context.Context, price int64, ts time.Time) error {
	m.price, m.ts = price, ts
	return nil
}

func TestPriceSubscriber_HandleUpdatesFeed(t *testing.T) {
	feed := oracle.NewFeed()
	m := &mirror{}
	sub := ingestion.NewPriceSubscriber(nil, "eth", feed, m, zerolog.Nop(), nil)

	msg := []byte(`{"asset":"ETH","price":"2500.5","sequence":1,"timestamp_us":1700000000000000}`)
	require.NoError(t, sub.Handle(context.Background(), msg))

	r, err := feed.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2500_50000000), r.Price)
	require.Equal(t, int64(2500_50000000), m.price)

	// Replayed sequence is ignored, not an error.
	older := []byte(`{"asset":"ETH","price":"1","sequence":1,"timestamp_us":1700000000000001}`)
	require.NoError(t, sub.Handle(context.Background(), older))
	r, _ = feed.Read(context.Background())
	require.Equal(t, int64(2500_50000000), r.Price)
}

func TestPriceSubscriber_RejectsOtherAsset(t *testing.T) {
	sub := ingestion.NewPriceSubscriber(nil, "ETH", oracle.NewFeed(), nil, zerolog.Nop(), nil)
	err := sub.Handle(context.Background(), []byte(`{"asset":"BTC","price":"1","sequence":1,"timestamp_us":1}`))
	require.Error(t, err)
}

func TestSubjects(t *testing.T) {
	require.Equal(t, "eusd.prices.eth", ingestion.PriceSubject("ETH"))
	require.Equal(t, "eusd.events.liquidated", ingestion.Subject(event.KindLiquidated))
}

func TestOutboundPublisher_JetStreamRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := ingestion.EnsureOutboundStream(ctx, js, zerolog.Nop())
	require.NoError(t, err)

	log := event.NewLog()
	appendEvents(log)

	p := ingestion.NewOutboundPublisher(js, log, 0, zerolog.Nop(), nil)
	n, err := p.PublishPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// Redelivered sequences are dropped by the stream's duplicate window, so
	// the newest message still carries sequence 3 on repeated runs.
	last, err := ingestion.LastPublished(ctx, stream)
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, int64(3), last.Sequence)

	cursor, err := ingestion.ResumeCursor(ctx, last, log.Latest(), storeFromLog{log})
	require.NoError(t, err)
	require.Equal(t, int64(3), cursor)
}
