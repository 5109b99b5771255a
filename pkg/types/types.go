// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the simulator — instruments,
// sectors, indices, OHLCV bars, market regimes, and the wire payloads
// published on the bus. It has no dependencies on internal packages, so it
// can be imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// TargetType distinguishes what a price bar belongs to.
type TargetType string

const (
	TargetStock TargetType = "STOCK"
	TargetIndex TargetType = "INDEX"
)

// Regime is the global market mode. It drives the drift and volatility
// profile of every instrument through the market layer of the price model.
type Regime string

const (
	RegimeBull     Regime = "BULL"
	RegimeBear     Regime = "BEAR"
	RegimeSideways Regime = "SIDEWAYS"
)

// Valid reports whether r is one of the three known regimes.
func (r Regime) Valid() bool {
	switch r {
	case RegimeBull, RegimeBear, RegimeSideways:
		return true
	}
	return false
}

// CalcMethod selects how an index is computed from its constituents.
type CalcMethod string

const (
	// CalcCapWeighted: normalised cap-weighted average of constituent prices.
	CalcCapWeighted CalcMethod = "CAP_WEIGHTED"
	// CalcEqualWeighted: plain average of constituent prices.
	CalcEqualWeighted CalcMethod = "EQUAL_WEIGHTED"
)

// ————————————————————————————————————————————————————————————————————————
// Instruments, sectors, indices
// ————————————————————————————————————————————————————————————————————————

// Sector groups instruments that move together through the sector layer
// of the price model.
type Sector struct {
	Code string
	Name string
	Beta float64 // sector sensitivity to the market shock
}

// Instrument is one tracked stock. The static part is written once by the
// seed collaborator; the dynamic part is owned by the price engine and only
// mutated under the tick.
type Instrument struct {
	Symbol     string
	Name       string
	SectorCode string
	MarketCap  int64   // smallest currency unit
	Beta       float64 // market beta, typically 0.5–2.0
	Volatility float64 // annualised idiosyncratic volatility

	// Dynamic state, updated every tick.
	Price         float64
	PreviousClose float64
	Change        float64
	ChangePct     float64
	Volume        int64
	Turnover      float64
	UpdatedAt     time.Time
}

// Index is a weighted basket of instruments.
type Index struct {
	Code      string
	Name      string
	BaseValue float64
	Method    CalcMethod

	Value         float64
	PreviousClose float64
	Change        float64
	ChangePct     float64
	UpdatedAt     time.Time
}

// IndexConstituent links an instrument to an index with a weight.
// Active weights are fractions in (0, MaxConstituentWeight] and must sum to
// 1.0 within WeightSumTolerance per index.
type IndexConstituent struct {
	IndexCode string
	Symbol    string
	Weight    float64
	Rank      int
	Active    bool
}

const (
	// MaxConstituentWeight is the single-name cap for index weights.
	MaxConstituentWeight = 0.10
	// WeightSumTolerance is the allowed drift of an index's active weight sum
	// around 1.0.
	WeightSumTolerance = 1e-4
)

// ValidateWeights checks the single-name cap and the weight-sum invariant
// over the active constituents. Applied when a constituent set is written;
// the calculation path only re-checks the sum (ValidateWeightSum).
func ValidateWeights(constituents []IndexConstituent) error {
	for _, c := range constituents {
		if !c.Active {
			continue
		}
		if c.Weight <= 0 || c.Weight > MaxConstituentWeight {
			return fmt.Errorf("constituent %s/%s: weight %v outside (0, %v]",
				c.IndexCode, c.Symbol, c.Weight, MaxConstituentWeight)
		}
	}
	return ValidateWeightSum(constituents)
}

// ValidateWeightSum checks that active weights sum to 1.0 within
// tolerance. Exact decimal summation so that float noise in the
// individual weights cannot mask a genuine drift.
func ValidateWeightSum(constituents []IndexConstituent) error {
	sum := decimal.Zero
	for _, c := range constituents {
		if !c.Active {
			continue
		}
		if c.Weight <= 0 {
			return fmt.Errorf("constituent %s/%s: weight %v must be > 0", c.IndexCode, c.Symbol, c.Weight)
		}
		sum = sum.Add(decimal.NewFromFloat(c.Weight))
	}
	diff := sum.Sub(decimal.NewFromInt(1)).Abs()
	if diff.GreaterThan(decimal.NewFromFloat(WeightSumTolerance)) {
		return fmt.Errorf("active weights sum to %s, want 1.0 ± %v", sum, WeightSumTolerance)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Bars
// ————————————————————————————————————————————————————————————————————————

// Bar is a single OHLCV record for one instrument or index.
// Invariant: Low ≤ min(Open, Close) ≤ max(Open, Close) ≤ High and Low > 0.
type Bar struct {
	TargetType TargetType
	TargetCode string
	Interval   string // e.g. "tick", "1m"
	Timestamp  int64  // bucket start, unix seconds
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	Turnover   float64
	ChangePct  float64
}

// Validate checks the OHLC ordering invariant.
func (b Bar) Validate() error {
	if b.Low <= 0 {
		return fmt.Errorf("bar %s/%s@%d: low %v must be > 0", b.TargetType, b.TargetCode, b.Timestamp, b.Low)
	}
	lo, hi := b.Open, b.Close
	if lo > hi {
		lo, hi = hi, lo
	}
	if b.Low > lo || b.High < hi {
		return fmt.Errorf("bar %s/%s@%d: OHLC ordering violated (o=%v h=%v l=%v c=%v)",
			b.TargetType, b.TargetCode, b.Timestamp, b.Open, b.High, b.Low, b.Close)
	}
	return nil
}

// RoundPrice rounds a price to currency cents. All stored prices and index
// values go through this so a replayed tick writes identical bytes.
func RoundPrice(p float64) float64 {
	f, _ := decimal.NewFromFloat(p).Round(2).Float64()
	return f
}

// ————————————————————————————————————————————————————————————————————————
// Market regime rows
// ————————————————————————————————————————————————————————————————————————

// RegimeState is one persisted market regime. At most one row is current
// at any instant.
type RegimeState struct {
	ID            int64
	Regime        Regime
	StartTime     time.Time
	EndTime       *time.Time
	DailyDrift    float64 // μ ∈ [-0.05, 0.05]
	VolMultiplier float64
	Current       bool
}

// ————————————————————————————————————————————————————————————————————————
// Channels
// ————————————————————————————————————————————————————————————————————————

const (
	// ChannelStocks carries the aggregate market update for all instruments.
	ChannelStocks = "market:stocks"
	// ChannelIndices carries the aggregate update for all indices.
	ChannelIndices = "market:indices"
)

// StockChannel returns the per-instrument channel name.
func StockChannel(symbol string) string { return "market:stock:" + symbol }

// IndexChannel returns the per-index channel name.
func IndexChannel(code string) string { return "market:index:" + code }

// ————————————————————————————————————————————————————————————————————————
// Wire payloads
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages published on the bus and
// forwarded to client sessions. Field names follow the public stream
// contract, not Go conventions.

// Message type tags for bus and client frames.
const (
	MsgStockUpdate   = "stock_update"
	MsgMarketUpdate  = "market_update"
	MsgIndexUpdate   = "index_update"
	MsgIndicesUpdate = "indices_update"
)

// StockRecord is one instrument's state inside a stock_update or
// market_update payload.
type StockRecord struct {
	Symbol        string  `json:"symbol"`
	Name          string  `json:"name"`
	Price         float64 `json:"price"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
	Volume        int64   `json:"volume"`
	Timestamp     int64   `json:"timestamp"`
}

// IndexRecord is one index's state inside an index_update or
// indices_update payload.
type IndexRecord struct {
	Code          string  `json:"code"`
	Name          string  `json:"name"`
	Value         float64 `json:"value"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
	Timestamp     int64   `json:"timestamp"`
}

// StockUpdateMsg is published on market:stock:<symbol>.
type StockUpdateMsg struct {
	Type string      `json:"type"` // "stock_update"
	Data StockRecord `json:"data"`
}

// MarketUpdateMsg is the aggregate published on market:stocks.
type MarketUpdateMsg struct {
	Type string           `json:"type"` // "market_update"
	Data MarketUpdateData `json:"data"`
}

// MarketUpdateData is the payload of a market_update message.
type MarketUpdateData struct {
	Timestamp int64         `json:"timestamp"`
	Stocks    []StockRecord `json:"stocks"`
}

// IndexUpdateMsg is published on market:index:<code>.
type IndexUpdateMsg struct {
	Type string      `json:"type"` // "index_update"
	Data IndexRecord `json:"data"`
}

// IndicesUpdateMsg is the aggregate published on market:indices.
type IndicesUpdateMsg struct {
	Type string            `json:"type"` // "indices_update"
	Data IndicesUpdateData `json:"data"`
}

// IndicesUpdateData is the payload of an indices_update message.
type IndicesUpdateData struct {
	Timestamp int64         `json:"timestamp"`
	Indices   []IndexRecord `json:"indices"`
}
