package analysis

import (
	"math"

	"rick-terminal/models"
)

// Thresholds tune pattern detection for one sensitivity.
type Thresholds struct {
	PinBarRatio    float64 // wick over body
	PinBarWick     float64 // wick share of the range
	EngulfingBody  float64
	InsideBarRatio float64
	DojiBody       float64
}

var thresholds = map[models.Sensitivity]Thresholds{
	models.Conservative: {PinBarRatio: 3.0, PinBarWick: 0.66, EngulfingBody: 1.2, InsideBarRatio: 0.8, DojiBody: 0.1},
	models.Moderate:     {PinBarRatio: 2.5, PinBarWick: 0.60, EngulfingBody: 1.1, InsideBarRatio: 0.85, DojiBody: 0.15},
	models.Aggressive:   {PinBarRatio: 2.0, PinBarWick: 0.55, EngulfingBody: 1.0, InsideBarRatio: 0.90, DojiBody: 0.20},
}

// ThresholdsFor falls back to moderate for unknown sensitivities.
func ThresholdsFor(s models.Sensitivity) Thresholds {
	if t, ok := thresholds[s]; ok {
		return t
	}
	return thresholds[models.Moderate]
}

// PatternDetector finds candlestick patterns on the most recent candles.
type PatternDetector struct {
	t Thresholds
}

func NewPatternDetector(s models.Sensitivity) *PatternDetector {
	return &PatternDetector{t: ThresholdsFor(s)}
}

// Detect scans the last three candles, then looks for a break of structure.
// Patterns are returned oldest first.
func (d *PatternDetector) Detect(candles []models.Candle) []models.Pattern {
	var out []models.Pattern
	if len(candles) < 3 {
		return out
	}

	for i := len(candles) - 3; i < len(candles); i++ {
		if i < 1 {
			continue
		}
		if p, ok := d.pinBar(candles, i); ok {
			out = append(out, p)
		}
		if p, ok := d.engulfing(candles, i); ok {
			out = append(out, p)
		}
		if p, ok := d.insideBar(candles, i); ok {
			out = append(out, p)
		}
		if p, ok := d.doji(candles, i); ok {
			out = append(out, p)
		}
	}

	if p, ok := breakOfStructure(candles); ok {
		out = append(out, p)
	}
	return out
}

func (d *PatternDetector) pinBar(candles []models.Candle, i int) (models.Pattern, bool) {
	c := candles[i]
	body := math.Abs(c.Close - c.Open)
	total := c.High - c.Low
	if total == 0 {
		return models.Pattern{}, false
	}

	upper := c.High - math.Max(c.Open, c.Close)
	lower := math.Min(c.Open, c.Close) - c.Low

	if lower > body*d.t.PinBarRatio && lower/total >= d.t.PinBarWick {
		return models.Pattern{
			Type:        models.PinBar,
			Description: "Bullish pin bar (hammer), lower prices rejected",
			CandleIndex: i,
		}, true
	}
	if upper > body*d.t.PinBarRatio && upper/total >= d.t.PinBarWick {
		return models.Pattern{
			Type:        models.PinBar,
			Description: "Bearish pin bar (shooting star), higher prices rejected",
			CandleIndex: i,
		}, true
	}
	return models.Pattern{}, false
}

func (d *PatternDetector) engulfing(candles []models.Candle, i int) (models.Pattern, bool) {
	cur, prev := candles[i], candles[i-1]

	curBody := math.Abs(cur.Close - cur.Open)
	prevBody := math.Abs(prev.Close - prev.Open)
	if prevBody == 0 || curBody <= prevBody*d.t.EngulfingBody {
		return models.Pattern{}, false
	}

	if cur.Close > cur.Open && prev.Close < prev.Open &&
		cur.Open <= prev.Close && cur.Close > prev.Open {
		return models.Pattern{
			Type:        models.EngulfingBullish,
			Description: "Bullish engulfing, strong reversal up",
			CandleIndex: i,
		}, true
	}
	if cur.Close < cur.Open && prev.Close > prev.Open &&
		cur.Open >= prev.Close && cur.Close < prev.Open {
		return models.Pattern{
			Type:        models.EngulfingBearish,
			Description: "Bearish engulfing, strong reversal down",
			CandleIndex: i,
		}, true
	}
	return models.Pattern{}, false
}

func (d *PatternDetector) insideBar(candles []models.Candle, i int) (models.Pattern, bool) {
	cur, prev := candles[i], candles[i-1]
	if cur.High > prev.High || cur.Low < prev.Low {
		return models.Pattern{}, false
	}

	prevRange := prev.High - prev.Low
	if prevRange <= 0 || (cur.High-cur.Low)/prevRange > d.t.InsideBarRatio {
		return models.Pattern{}, false
	}
	return models.Pattern{
		Type:        models.InsideBar,
		Description: "Inside bar, consolidation before a move",
		CandleIndex: i,
	}, true
}

func (d *PatternDetector) doji(candles []models.Candle, i int) (models.Pattern, bool) {
	c := candles[i]
	total := c.High - c.Low
	if total == 0 || math.Abs(c.Close-c.Open)/total > d.t.DojiBody {
		return models.Pattern{}, false
	}
	return models.Pattern{
		Type:        models.Doji,
		Description: "Doji, market indecision",
		CandleIndex: i,
	}, true
}

// breakOfStructure compares the last high and low of a five candle window
// against the four before it, with a 0.1% buffer.
func breakOfStructure(candles []models.Candle) (models.Pattern, bool) {
	if len(candles) < 5 {
		return models.Pattern{}, false
	}

	window := candles[len(candles)-5:]
	last := window[len(window)-1]

	prevHigh, prevLow := window[0].High, window[0].Low
	for _, c := range window[1 : len(window)-1] {
		prevHigh = math.Max(prevHigh, c.High)
		prevLow = math.Min(prevLow, c.Low)
	}

	idx := len(candles) - 1
	if last.High > prevHigh*1.001 {
		return models.Pattern{
			Type:        models.BOSBullish,
			Description: "Bullish break of structure, recent top broken",
			CandleIndex: idx,
		}, true
	}
	if last.Low < prevLow*0.999 {
		return models.Pattern{
			Type:        models.BOSBearish,
			Description: "Bearish break of structure, recent bottom broken",
			CandleIndex: idx,
		}, true
	}
	return models.Pattern{}, false
}
