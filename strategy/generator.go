// Package strategy turns a candle series into a trading signal by combining
// candlestick patterns, support/resistance, trend and momentum.
package strategy

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"rick-terminal/analysis"
	"rick-terminal/models"
)

const (
	MinCandles           = 50
	MinCandlesAggressive = 5

	BaseConfidence     = 50.0
	MaxConfidence      = 95.0
	MinAggressiveScore = 55.0
)

const (
	volatilityThreshold = 2.0
	volatilityPeriod    = 14
	volumePeriod        = 5
	rsiPeriod           = 14
	rsiOversold         = 40.0
	rsiOverbought       = 60.0
	macdFast            = 12
	macdSlow            = 26
	macdSignal          = 9
	minExpiryMinutes    = 2

	confluencePoints      = 5.0
	engulfingBonus        = 15.0
	breakOfStructureBonus = 10.0
	levelStrengthPoints   = 3.0
)

// Generator evaluates candles under one scan configuration.
type Generator struct {
	cfg      models.ScanConfig
	patterns *analysis.PatternDetector
	levels   *analysis.LevelDetector

	now func() time.Time
}

func NewGenerator(cfg models.ScanConfig) *Generator {
	return &Generator{
		cfg:      cfg,
		patterns: analysis.NewPatternDetector(cfg.Sensitivity),
		levels:   analysis.NewLevelDetector(),
		now:      time.Now,
	}
}

func (g *Generator) aggressive() bool {
	return g.cfg.Sensitivity == models.Aggressive
}

// Generate returns a signal for symbol, or nil when the setup does not qualify.
func (g *Generator) Generate(symbol string, candles []models.Candle) *models.Signal {
	candles, ok := g.prepare(candles)
	if !ok {
		return nil
	}

	pattern, ok := g.pattern(candles)
	if !ok {
		return nil
	}

	closes := analysis.Closes(candles)
	trend := analysis.DetectTrend(closes)
	rsi := analysis.Last(analysis.RSI(closes, rsiPeriod))

	direction, ok := g.direction(pattern, trend, rsi, closes)
	if !ok {
		return nil
	}

	if !g.aggressive() && !g.passesFilters(candles, direction, trend) {
		return nil
	}

	price := closes[len(closes)-1]
	level := g.nearbyLevel(candles, price)

	confluences := g.confluences(candles, pattern, level, direction, trend, rsi)
	if g.aggressive() {
		confluences = append(confluences, "Aggressive mode enabled")
	}

	now := g.now()
	entry := now.Truncate(time.Minute).Add(time.Minute)
	if g.aggressive() {
		entry = entry.Add(time.Minute)
	}
	expiry := max(g.cfg.Timeframe, minExpiryMinutes)

	return &models.Signal{
		ID:            uuid.NewString(),
		Timestamp:     now,
		Symbol:        symbol,
		Timeframe:     g.cfg.Timeframe,
		Direction:     direction,
		EntryPrice:    price,
		EntryTime:     entry,
		ExpiryTime:    entry.Add(time.Duration(expiry) * time.Minute),
		Pattern:       pattern,
		Level:         level,
		Confluences:   confluences,
		Confidence:    g.confidence(confluences, pattern, level),
		ExpiryMinutes: expiry,
	}
}

// prepare enforces the minimum history. Aggressive mode pads short series by
// repeating the last candle one minute apart.
func (g *Generator) prepare(candles []models.Candle) ([]models.Candle, bool) {
	if !g.aggressive() {
		return candles, len(candles) >= MinCandles
	}
	if len(candles) == 0 {
		return nil, false
	}
	if len(candles) >= MinCandlesAggressive {
		return candles, true
	}

	padded := make([]models.Candle, len(candles), MinCandlesAggressive)
	copy(padded, candles)
	for len(padded) < MinCandlesAggressive {
		next := padded[len(padded)-1]
		next.Time = next.Time.Add(time.Minute)
		padded = append(padded, next)
	}
	return padded, true
}

func (g *Generator) pattern(candles []models.Candle) (models.Pattern, bool) {
	found := g.patterns.Detect(candles)
	if len(found) > 0 {
		return found[len(found)-1], true
	}
	if !g.aggressive() {
		return models.Pattern{}, false
	}

	last := candles[len(candles)-1]
	p := models.Pattern{
		Type:        models.BOSBearish,
		Description: "Immediate bearish momentum",
		CandleIndex: len(candles) - 1,
	}
	if last.Close >= last.Open {
		p.Type = models.BOSBullish
		p.Description = "Immediate bullish momentum"
	}
	return p, true
}

func (g *Generator) direction(p models.Pattern, trend analysis.Trend, rsi float64, closes []float64) (models.Direction, bool) {
	switch p.Type {
	case models.PinBar, models.EngulfingBullish, models.BOSBullish:
		return models.Call, true
	case models.EngulfingBearish, models.BOSBearish:
		return models.Put, true
	case models.Doji:
		if math.IsNaN(rsi) || rsi < 50 {
			return models.Call, true
		}
		return models.Put, true
	case models.InsideBar:
		// sideways breaks upward
		if trend == analysis.TrendBearish {
			return models.Put, true
		}
		return models.Call, true
	}

	if g.aggressive() && len(closes) >= 2 {
		if closes[len(closes)-1] >= closes[len(closes)-2] {
			return models.Call, true
		}
		return models.Put, true
	}
	return "", false
}

func (g *Generator) passesFilters(candles []models.Candle, d models.Direction, trend analysis.Trend) bool {
	if g.cfg.UseVolumeFilter && !analysis.IsVolumeIncreasing(analysis.Volumes(candles), volumePeriod) {
		return false
	}
	if g.cfg.UseVolatilityFilter && analysis.IsHighVolatility(candles, volatilityPeriod, volatilityThreshold) {
		return false
	}
	if g.cfg.UseTrendFilter {
		if d == models.Call && trend == analysis.TrendBearish {
			return false
		}
		if d == models.Put && trend == analysis.TrendBullish {
			return false
		}
	}
	return true
}

// nearbyLevel returns the first detected level within tolerance of price,
// whatever its type.
func (g *Generator) nearbyLevel(candles []models.Candle, price float64) *models.Level {
	levels := g.levels.Detect(candles, analysis.DefaultMaxLevels)
	level, ok := analysis.Nearest(price, levels, analysis.DefaultNearTolerance)
	if !ok {
		return nil
	}
	return &level
}

func (g *Generator) confluences(candles []models.Candle, p models.Pattern, level *models.Level, d models.Direction, trend analysis.Trend, rsi float64) []string {
	out := []string{"Pattern: " + p.Description}

	if level != nil {
		out = append(out, fmt.Sprintf("%s at %.5f (strength %d/5)", capitalize(string(level.Type)), level.Price, level.Strength))
	}

	if (d == models.Call && trend == analysis.TrendBullish) || (d == models.Put && trend == analysis.TrendBearish) {
		out = append(out, fmt.Sprintf("Favourable %s trend", trend))
	}

	if analysis.IsVolumeIncreasing(analysis.Volumes(candles), volumePeriod) {
		out = append(out, "Rising volume confirms the move")
	}

	switch {
	case math.IsNaN(rsi):
	case d == models.Call && rsi < rsiOversold:
		out = append(out, fmt.Sprintf("RSI oversold (%.1f)", rsi))
	case d == models.Put && rsi > rsiOverbought:
		out = append(out, fmt.Sprintf("RSI overbought (%.1f)", rsi))
	}

	line, signal, _ := analysis.MACD(analysis.Closes(candles), macdFast, macdSlow, macdSignal)
	if len(line) > 1 {
		l, s := analysis.Last(line), analysis.Last(signal)
		if d == models.Call && l > s {
			out = append(out, "MACD bullish")
		} else if d == models.Put && l < s {
			out = append(out, "MACD bearish")
		}
	}
	return out
}

func (g *Generator) confidence(confluences []string, p models.Pattern, level *models.Level) float64 {
	c := BaseConfidence + float64(len(confluences))*confluencePoints

	switch p.Type {
	case models.EngulfingBullish, models.EngulfingBearish:
		c += engulfingBonus
	case models.BOSBullish, models.BOSBearish:
		c += breakOfStructureBonus
	}
	if level != nil {
		c += float64(level.Strength) * levelStrengthPoints
	}

	if g.aggressive() {
		c = max(c, MinAggressiveScore)
	}
	return min(c, MaxConfidence)
}

// Explain renders a signal as readable markdown for the dashboard.
func Explain(s models.Signal) string {
	direction := "BUY (CALL)"
	if s.Direction == models.Put {
		direction = "SELL (PUT)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Detailed analysis - %s**\n\n", s.Symbol)
	fmt.Fprintf(&b, "**Direction**: %s\n", direction)
	fmt.Fprintf(&b, "**Confidence**: %.1f%%\n", s.Confidence)
	fmt.Fprintf(&b, "**Entry price**: %.5f\n", s.EntryPrice)
	fmt.Fprintf(&b, "**Expiry**: %d minutes\n\n", s.ExpiryMinutes)
	fmt.Fprintf(&b, "**Pattern**: %s\n\n", s.Pattern.Description)
	b.WriteString("**Confluences**:")
	for i, c := range s.Confluences {
		fmt.Fprintf(&b, "\n%d. %s", i+1, c)
	}
	if s.Level != nil {
		fmt.Fprintf(&b, "\n\n**Key level**: %s at %.5f (strength %d/5)", capitalize(string(s.Level.Type)), s.Level.Price, s.Level.Strength)
	}
	fmt.Fprintf(&b, "\n\n⏰ **Generated at**: %s", s.Timestamp.Format("15:04:05"))
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
