package analysis

import (
	"math"
	"sort"

	"rick-terminal/models"
)

const (
	DefaultLookback       = 20
	DefaultLevelTolerance = 0.0005
	DefaultMaxLevels      = 5
	DefaultNearTolerance  = 0.001
)

// LevelDetector finds support and resistance from pivot points.
type LevelDetector struct {
	Lookback  int
	Tolerance float64
}

func NewLevelDetector() *LevelDetector {
	return &LevelDetector{Lookback: DefaultLookback, Tolerance: DefaultLevelTolerance}
}

type pivot struct {
	price float64
	kind  models.LevelType
}

// Detect returns up to maxLevels levels, strongest and closest to the last
// close first.
func (d *LevelDetector) Detect(candles []models.Candle, maxLevels int) []models.Level {
	if len(candles) < d.Lookback || len(candles) == 0 {
		return nil
	}

	recent := candles[len(candles)-d.Lookback:]
	clusters := d.cluster(pivots(recent))
	price := candles[len(candles)-1].Close

	levels := make([]models.Level, 0, len(clusters))
	for _, c := range clusters {
		touches := d.touches(candles, c.price)
		levels = append(levels, models.Level{
			Price:    c.price,
			Type:     c.kind,
			Strength: min(touches, 5),
			Touches:  touches,
		})
	}

	sort.SliceStable(levels, func(i, j int) bool {
		if levels[i].Strength != levels[j].Strength {
			return levels[i].Strength > levels[j].Strength
		}
		return math.Abs(levels[i].Price-price) < math.Abs(levels[j].Price-price)
	})

	if maxLevels > 0 && len(levels) > maxLevels {
		levels = levels[:maxLevels]
	}
	return levels
}

// Nearest returns the first level within tolerance of price.
func Nearest(price float64, levels []models.Level, tolerance float64) (models.Level, bool) {
	if price == 0 {
		return models.Level{}, false
	}
	for _, l := range levels {
		if math.Abs(price-l.Price)/price <= tolerance {
			return l, true
		}
	}
	return models.Level{}, false
}

// pivots finds highs and lows that beat two candles on each side.
func pivots(candles []models.Candle) []pivot {
	var out []pivot
	for i := 2; i < len(candles)-2; i++ {
		h, l := candles[i].High, candles[i].Low
		if h > candles[i-1].High && h > candles[i-2].High && h > candles[i+1].High && h > candles[i+2].High {
			out = append(out, pivot{price: h, kind: models.Resistance})
		}
		if l < candles[i-1].Low && l < candles[i-2].Low && l < candles[i+1].Low && l < candles[i+2].Low {
			out = append(out, pivot{price: l, kind: models.Support})
		}
	}
	return out
}

// cluster merges pivots within the relative tolerance of the running cluster
// mean. A cluster takes the most common type of its members.
func (d *LevelDetector) cluster(ps []pivot) []pivot {
	if len(ps) == 0 {
		return nil
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].price < ps[j].price })

	var out []pivot
	current := []pivot{ps[0]}

	flush := func() {
		sum, supports := 0.0, 0
		for _, p := range current {
			sum += p.price
			if p.kind == models.Support {
				supports++
			}
		}
		kind := models.Resistance
		if supports*2 > len(current) || (supports*2 == len(current) && current[0].kind == models.Support) {
			kind = models.Support
		}
		out = append(out, pivot{price: sum / float64(len(current)), kind: kind})
	}

	for _, p := range ps[1:] {
		sum := 0.0
		for _, c := range current {
			sum += c.price
		}
		avg := sum / float64(len(current))

		if avg != 0 && math.Abs(p.price-avg)/avg <= d.Tolerance {
			current = append(current, p)
			continue
		}
		flush()
		current = []pivot{p}
	}
	flush()
	return out
}

func (d *LevelDetector) touches(candles []models.Candle, level float64) int {
	band := level * d.Tolerance
	n := 0
	for _, c := range candles {
		if c.Low <= level+band && c.High >= level-band {
			n++
		}
	}
	return n
}
