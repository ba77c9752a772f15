package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/perpmm/internal/exchange"
	"github.com/betbot/perpmm/internal/perf"
)

func openTemp(t *testing.T) *Sink {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "perpmm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSink_MinutesRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	in := []perf.MinuteMetrics{
		{Instrument: "BTC", Minute: t0, MakerFills: 3, TakerFills: 1,
			RealizedPnL: decimal.RequireFromString("12.5"), NetFees: decimal.RequireFromString("0.31"), Volume: decimal.NewFromInt(4200)},
		{Instrument: "BTC", Minute: t0.Add(time.Minute)},
	}
	require.NoError(t, s.SaveMinutes(ctx, "alpha", in))

	// 同一分钟再次写入覆盖旧值
	in[1].MakerFills = 2
	require.NoError(t, s.SaveMinutes(ctx, "alpha", in[1:]))

	got, err := s.Minutes(ctx, "alpha", "BTC")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Minute.Equal(t0))
	assert.Equal(t, 3, got[0].MakerFills)
	assert.Equal(t, 1, got[0].TakerFills)
	assert.Equal(t, "12.5", got[0].RealizedPnL.String())
	assert.Equal(t, "0.31", got[0].NetFees.String())
	assert.Equal(t, "4200", got[0].Volume.String())
	assert.Equal(t, 2, got[1].MakerFills)

	other, err := s.Minutes(ctx, "beta", "BTC")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, s.SaveMinutes(ctx, "alpha", nil))
}

func TestSink_FillsRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 1, 500, time.UTC)

	f := exchange.Fill{
		Instrument: "ETH",
		Side:       exchange.Sell,
		Price:      decimal.RequireFromString("2500.5"),
		Size:       decimal.RequireFromString("0.04"),
		Maker:      true,
		Fee:        decimal.RequireFromString("-0.0002"),
		OrderID:    77,
		TradeID:    9001,
		Time:       ts,
	}
	require.NoError(t, s.SaveFill(ctx, f, decimal.RequireFromString("1.25")))

	got, err := s.Fills(ctx, "ETH", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	r := got[0]
	assert.Equal(t, exchange.Sell, r.Fill.Side)
	assert.True(t, r.Fill.Price.Equal(f.Price))
	assert.True(t, r.Fill.Size.Equal(f.Size))
	assert.True(t, r.Fill.Maker)
	assert.True(t, r.Fill.Fee.Equal(f.Fee))
	assert.Equal(t, int64(77), r.Fill.OrderID)
	assert.Equal(t, int64(9001), r.Fill.TradeID)
	assert.True(t, r.Fill.Time.Equal(ts))
	assert.Equal(t, "1.25", r.Realized.String())
}

func TestSink_EventsRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)

	require.NoError(t, s.SaveEvent(ctx, perf.Event{Time: ts, Bot: "alpha", Instrument: "BTC", Kind: perf.EventBailout, Detail: "full"}))
	require.NoError(t, s.SaveEvent(ctx, perf.Event{Time: ts.Add(time.Second), Bot: "alpha", Kind: perf.EventPortfolio, Detail: "pause"}))

	got, err := s.Events(ctx, perf.EventPortfolio, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "", got[0].Instrument)
	assert.Equal(t, "pause", got[0].Detail)
	assert.True(t, got[0].Time.Equal(ts.Add(time.Second)))

	got, err = s.Events(ctx, perf.EventBailout, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "BTC", got[0].Instrument)
	assert.Equal(t, "alpha", got[0].Bot)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestSink_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perpmm.db")
	s, err := Open(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.SaveEvent(ctx, perf.Event{Time: time.Now(), Bot: "alpha", Kind: perf.EventStartup, Detail: "1.0.0"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Events(ctx, perf.EventStartup, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
