package engine

import (
	"math"
	"math/rand"

	"marketsim/pkg/types"
)

// PriceParams are the precomputed constants of the three-layer return
// model. Daily volatilities are derived once from the annual figures.
type PriceParams struct {
	DT        float64 // fraction of a trading day per tick
	SigmaMDay float64
	SigmaSDay float64
	SigmaIDay float64 // default when the instrument has no volatility of its own

	WMarket float64
	WSector float64
	WIndiv  float64
	RhoMS   float64

	LimitPct     float64 // daily band half-width, e.g. 0.10
	SqrtDaysYear float64 // √TRADING_DAYS_PER_YEAR, for per-instrument conversion
}

// InstrumentShocks is the full set of random draws one instrument consumes
// in one tick. Drawing everything up front makes the bar computation a
// pure function, so a replayed tick reproduces identical bars.
type InstrumentShocks struct {
	ZIdio   float64
	BridgeU float64 // standard normal, scaled by |r|/2 inside the bridge
	BridgeV float64
	Poisson int64 // Poisson(5000) volume draw
}

// TickShocks holds the shared market and sector shocks plus the
// per-instrument draws for one tick.
type TickShocks struct {
	ZMarket float64
	ZSector float64
	PerInst map[string]InstrumentShocks
}

// DrawShocks samples all randomness for one tick. The sector shock is
// correlated with the market shock through rho.
func DrawShocks(rng *rand.Rand, rho float64, symbols []string) TickShocks {
	z0 := rng.NormFloat64()
	z1 := rng.NormFloat64()
	ts := TickShocks{
		ZMarket: z0,
		ZSector: rho*z0 + math.Sqrt(1-rho*rho)*z1,
		PerInst: make(map[string]InstrumentShocks, len(symbols)),
	}
	for _, sym := range symbols {
		ts.PerInst[sym] = InstrumentShocks{
			ZIdio:   rng.NormFloat64(),
			BridgeU: rng.NormFloat64(),
			BridgeV: rng.NormFloat64(),
			Poisson: poisson(rng, 5000),
		}
	}
	return ts
}

// poisson samples Poisson(mean). For the large means used here the normal
// approximation is indistinguishable from an exact sampler.
func poisson(rng *rand.Rand, mean float64) int64 {
	if mean <= 0 {
		return 0
	}
	if mean < 30 {
		// Knuth's method for small means.
		limit := math.Exp(-mean)
		p := 1.0
		var k int64
		for p > limit {
			k++
			p *= rng.Float64()
		}
		return k - 1
	}
	n := math.Round(mean + math.Sqrt(mean)*rng.NormFloat64())
	if n < 0 {
		return 0
	}
	return int64(n)
}

// StepResult is the outcome of one instrument's price step.
type StepResult struct {
	Instrument types.Instrument
	Bar        types.Bar
	LogReturn  float64 // realised, after clamping
	Capped     bool
}

// Step advances one instrument by one tick. Pure function of the previous
// state, the regime parameters and the shocks.
//
// mu is the regime's daily drift and volMult its volatility multiplier,
// applied to the market layer. sectorBeta comes from the instrument's
// sector.
func (p PriceParams) Step(inst types.Instrument, sectorBeta, mu, volMult float64, sh TickShocks, timestamp int64) StepResult {
	is := sh.PerInst[inst.Symbol]

	sigmaI := p.SigmaIDay
	if inst.Volatility > 0 {
		sigmaI = inst.Volatility / p.SqrtDaysYear
	}

	sqrtDT := math.Sqrt(p.DT)
	rM := mu*p.DT + p.SigmaMDay*volMult*sqrtDT*sh.ZMarket
	rS := p.SigmaSDay * sqrtDT * sh.ZSector
	rI := sigmaI * sqrtDT * is.ZIdio
	r := p.WMarket*inst.Beta*rM + p.WSector*sectorBeta*rS + p.WIndiv*rI

	open := inst.Price
	raw := open * math.Exp(r)
	clamped := p.clampToBand(raw, inst.PreviousClose)
	capped := clamped != raw

	close := types.RoundPrice(clamped)
	// Realised return after clamping and rounding; the bridge and volume
	// scale off what actually got stored.
	rReal := 0.0
	if open > 0 && close > 0 {
		rReal = math.Log(close / open)
	}

	high, low := p.bridgeHighLow(open, close, rReal, inst.PreviousClose, is.BridgeU, is.BridgeV)

	volume := int64(float64(10000+is.Poisson) * (1 + 50*math.Abs(rReal)))
	turnover := float64(volume) * close

	change := close - inst.PreviousClose
	changePct := 0.0
	if inst.PreviousClose > 0 {
		changePct = change / inst.PreviousClose * 100
	}

	out := inst
	out.Price = close
	out.Change = change
	out.ChangePct = changePct
	out.Volume = volume
	out.Turnover = turnover

	bar := types.Bar{
		TargetType: types.TargetStock,
		TargetCode: inst.Symbol,
		Timestamp:  timestamp,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      close,
		Volume:     volume,
		Turnover:   turnover,
		ChangePct:  changePct,
	}

	return StepResult{Instrument: out, Bar: bar, LogReturn: rReal, Capped: capped}
}

// clampToBand restricts p to the daily band around yesterday's close and
// enforces the absolute price floor.
func (p PriceParams) clampToBand(price, prevClose float64) float64 {
	upper := prevClose * (1 + p.LimitPct)
	lower := prevClose * (1 - p.LimitPct)
	price = math.Min(math.Max(price, lower), upper)
	return math.Max(price, 0.01)
}

// bridgeHighLow reconstructs intra-bar extremes with a two-point Brownian
// bridge over the realised log return. Every path point is clamped to the
// daily band before taking the extremes.
func (p PriceParams) bridgeHighLow(open, close, r, prevClose, zu, zv float64) (high, low float64) {
	sigma := math.Abs(r) / 2
	u := sigma * zu
	v := sigma * zv

	points := [4]float64{0, u, u + v, r}
	high, low = math.Inf(-1), math.Inf(1)
	for _, x := range points {
		price := p.clampToBand(open*math.Exp(x), prevClose)
		high = math.Max(high, price)
		low = math.Min(low, price)
	}
	high = types.RoundPrice(math.Max(high, math.Max(open, close)))
	low = types.RoundPrice(math.Min(low, math.Min(open, close)))
	return high, low
}
