package broker

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"rick-terminal/models"
)

// PaperOptions tune the simulated broker.
type PaperOptions struct {
	// TwoFactorCode, when set, must be submitted before the session is live.
	TwoFactorCode string
	TokenTTL      time.Duration
	TickInterval  time.Duration
	// DropAfter closes every stream after that many ticks. Zero never drops.
	DropAfter int
}

var paperPairs = []struct {
	symbol string
	name   string
	base   float64
	kind   string
}{
	{"EURUSD", "EUR/USD", 1.0850, "forex"},
	{"GBPUSD", "GBP/USD", 1.2700, "forex"},
	{"USDJPY", "USD/JPY", 149.50, "forex"},
	{"AUDUSD", "AUD/USD", 0.6550, "forex"},
	{"USDCAD", "USD/CAD", 1.3600, "forex"},
	{"EURJPY", "EUR/JPY", 162.20, "forex"},
	{"EURGBP", "EUR/GBP", 0.8560, "forex"},
	{"BTCUSD", "Bitcoin", 65000, "crypto"},
	{"ETHUSD", "Ethereum", 3400, "crypto"},
}

const otcSuffix = "-OTC"

type paperState int

const (
	paperDisconnected paperState = iota
	paperAwaiting
	paperConnected
)

// Paper is a simulated broker. Prices follow a random walk seeded by symbol,
// so the same symbol always starts from the same history.
type Paper struct {
	opts        PaperOptions
	accountType models.AccountType

	mu      sync.Mutex
	state   paperState
	expires time.Time
	walks   map[string]*walk
	done    chan struct{}
	closed  bool
}

type walk struct {
	rnd   *rand.Rand
	price float64
}

func NewPaper(accountType models.AccountType, opts PaperOptions) *Paper {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 30 * time.Minute
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 250 * time.Millisecond
	}
	return &Paper{
		opts:        opts,
		accountType: models.NormalizeAccountType(string(accountType)),
		walks:       make(map[string]*walk),
		done:        make(chan struct{}),
	}
}

// PaperFactory returns a Factory producing paper brokers with opts.
func PaperFactory(opts PaperOptions) Factory {
	return func(accountType models.AccountType) Broker {
		return NewPaper(accountType, opts)
	}
}

func (p *Paper) Connect(_ context.Context, creds Credentials) error {
	if strings.TrimSpace(creds.Login) == "" || creds.Password == "" {
		return ErrInvalidCredentials
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if creds.AccountType != "" {
		p.accountType = models.NormalizeAccountType(string(creds.AccountType))
	}

	if p.opts.TwoFactorCode != "" {
		p.state = paperAwaiting
		return &ChallengeError{
			Method:  "email",
			Message: "Enter the verification code sent to " + creds.Login,
		}
	}

	p.state = paperConnected
	p.expires = time.Now().Add(p.opts.TokenTTL)
	return nil
}

func (p *Paper) SubmitTwoFactor(_ context.Context, code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != paperAwaiting {
		return ErrNotConnected
	}
	if strings.TrimSpace(code) != p.opts.TwoFactorCode {
		return ErrInvalidCode
	}

	p.state = paperConnected
	p.expires = time.Now().Add(p.opts.TokenTTL)
	return nil
}

func (p *Paper) Refresh(_ context.Context) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != paperConnected {
		return time.Time{}, ErrNotConnected
	}
	p.expires = time.Now().Add(p.opts.TokenTTL)
	return p.expires, nil
}

func (p *Paper) Ping(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != paperConnected {
		return ErrNotConnected
	}
	return nil
}

func (p *Paper) Balance(ctx context.Context) (models.Balance, error) {
	if err := p.Ping(ctx); err != nil {
		return models.Balance{}, err
	}

	amount := 10000.0
	if p.accountType == models.AccountReal {
		amount = 250.0
	}
	return models.Balance{Amount: amount, Currency: "USD", AccountType: p.accountType}, nil
}

func (p *Paper) Pairs(ctx context.Context, includeOTC bool) ([]models.Pair, error) {
	if err := p.Ping(ctx); err != nil {
		return nil, err
	}

	out := make([]models.Pair, 0, len(paperPairs)*2)
	for _, pp := range paperPairs {
		out = append(out, models.Pair{
			Symbol:   pp.symbol,
			Name:     pp.name,
			IsActive: true,
			Type:     pp.kind,
		})
		if includeOTC && pp.kind == "forex" {
			out = append(out, models.Pair{
				Symbol:   pp.symbol + otcSuffix,
				Name:     pp.name + " (OTC)",
				IsOTC:    true,
				IsActive: true,
				Type:     pp.kind,
			})
		}
	}
	return out, nil
}

func (p *Paper) Candles(ctx context.Context, symbol string, timeframe time.Duration, count int) ([]models.Candle, error) {
	if err := p.Ping(ctx); err != nil {
		return nil, err
	}
	base, ok := paperBase(symbol)
	if !ok {
		return nil, ErrUnknownSymbol
	}
	if count <= 0 {
		return nil, nil
	}
	if timeframe < time.Minute {
		timeframe = time.Minute
	}

	end := time.Now().Truncate(timeframe)
	rnd := rand.New(rand.NewSource(seed(symbol, end.Unix()/int64(timeframe.Seconds()))))
	step := base * 0.0008

	candles := make([]models.Candle, count)
	price := base
	for i := range candles {
		open := price
		closePrice := open + (rnd.Float64()*2-1)*step
		high := math.Max(open, closePrice) + rnd.Float64()*step/2
		low := math.Min(open, closePrice) - rnd.Float64()*step/2
		candles[i] = models.Candle{
			Time:   end.Add(-time.Duration(count-1-i) * timeframe),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: 100 + rnd.Float64()*900,
		}
		price = closePrice
	}
	return candles, nil
}

func (p *Paper) Stream(ctx context.Context, symbols []string) (<-chan models.Tick, error) {
	if err := p.Ping(ctx); err != nil {
		return nil, err
	}
	for _, s := range symbols {
		if _, ok := paperBase(s); !ok {
			return nil, ErrUnknownSymbol
		}
	}

	out := make(chan models.Tick, len(symbols))
	go func() {
		defer close(out)

		ticker := time.NewTicker(p.opts.TickInterval)
		defer ticker.Stop()

		sent := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case now := <-ticker.C:
				for _, s := range symbols {
					tick := models.Tick{Symbol: s, Price: p.next(s), Time: now}
					select {
					case out <- tick:
					case <-ctx.Done():
						return
					case <-p.done:
						return
					}
					sent++
					if p.opts.DropAfter > 0 && sent >= p.opts.DropAfter {
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (p *Paper) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.state = paperDisconnected
	return nil
}

func (p *Paper) next(symbol string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.walks[symbol]
	if !ok {
		base, _ := paperBase(symbol)
		w = &walk{rnd: rand.New(rand.NewSource(seed(symbol, 0))), price: base}
		p.walks[symbol] = w
	}
	w.price += w.price * 0.0002 * (w.rnd.Float64()*2 - 1)
	return w.price
}

func paperBase(symbol string) (float64, bool) {
	s := strings.TrimSuffix(strings.ToUpper(symbol), otcSuffix)
	for _, pp := range paperPairs {
		if pp.symbol == s {
			return pp.base, true
		}
	}
	return 0, false
}

func seed(symbol string, salt int64) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToUpper(symbol)))
	return int64(h.Sum64()>>1) ^ salt
}
