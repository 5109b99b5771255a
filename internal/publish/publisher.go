// Package publish turns tick output into bus messages. Delivery is
// best-effort: a publish failure is logged and the tick still succeeds.
package publish

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"marketsim/pkg/types"
)

// Sink is the publish side of the bus bridge.
type Sink interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type Publisher struct {
	sink   Sink
	logger *slog.Logger

	// OnSent, when set, is called once per message handed to the sink.
	OnSent func()
}

func New(sink Sink, logger *slog.Logger) *Publisher {
	return &Publisher{sink: sink, logger: logger.With("component", "publisher")}
}

// StockRecord flattens an instrument and its bar into the wire shape.
func StockRecord(inst types.Instrument, bar types.Bar) types.StockRecord {
	return types.StockRecord{
		Symbol:        inst.Symbol,
		Name:          inst.Name,
		Price:         inst.Price,
		Open:          bar.Open,
		High:          bar.High,
		Low:           bar.Low,
		Change:        inst.Change,
		ChangePercent: inst.ChangePct,
		Volume:        inst.Volume,
		Timestamp:     bar.Timestamp,
	}
}

// IndexRecord flattens an index into the wire shape.
func IndexRecord(idx types.Index, timestamp int64) types.IndexRecord {
	return types.IndexRecord{
		Code:          idx.Code,
		Name:          idx.Name,
		Value:         idx.Value,
		Change:        idx.Change,
		ChangePercent: idx.ChangePct,
		Timestamp:     timestamp,
	}
}

// PublishStocks sends one tick's instrument updates: per-instrument
// messages first, in symbol order, then the aggregate on ChannelStocks.
func (p *Publisher) PublishStocks(ctx context.Context, records []types.StockRecord, now time.Time) {
	sorted := make([]types.StockRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Symbol < sorted[j].Symbol })

	for _, rec := range sorted {
		p.send(ctx, types.StockChannel(rec.Symbol), types.StockUpdateMsg{
			Type: types.MsgStockUpdate,
			Data: rec,
		})
	}
	p.send(ctx, types.ChannelStocks, types.MarketUpdateMsg{
		Type: types.MsgMarketUpdate,
		Data: types.MarketUpdateData{Timestamp: now.Unix(), Stocks: sorted},
	})
}

// PublishIndices mirrors PublishStocks for index updates.
func (p *Publisher) PublishIndices(ctx context.Context, records []types.IndexRecord, now time.Time) {
	sorted := make([]types.IndexRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Code < sorted[j].Code })

	for _, rec := range sorted {
		p.send(ctx, types.IndexChannel(rec.Code), types.IndexUpdateMsg{
			Type: types.MsgIndexUpdate,
			Data: rec,
		})
	}
	p.send(ctx, types.ChannelIndices, types.IndicesUpdateMsg{
		Type: types.MsgIndicesUpdate,
		Data: types.IndicesUpdateData{Timestamp: now.Unix(), Indices: sorted},
	})
}

func (p *Publisher) send(ctx context.Context, channel string, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("encode message", "channel", channel, "error", err)
		return
	}
	if err := p.sink.Publish(ctx, channel, payload); err != nil {
		p.logger.Warn("publish failed", "channel", channel, "error", err)
		return
	}
	if p.OnSent != nil {
		p.OnSent()
	}
}
