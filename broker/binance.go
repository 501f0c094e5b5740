package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"rick-terminal/logger"
	"rick-terminal/models"
)

const (
	binanceStreamURL        = "wss://stream.binance.com:9443/stream?streams="
	binanceTestnetStreamURL = "wss://stream.testnet.binance.vision/stream?streams="

	// listen keys expire after 60 minutes without a keepalive
	listenKeyTTL = 60 * time.Minute
)

// BinanceOptions configure the Binance spot adapter.
type BinanceOptions struct {
	APIKey    string
	APISecret string
	Testnet   bool
	// BaseURL and StreamURL override the REST and websocket endpoints.
	BaseURL   string
	StreamURL string
}

// Binance is a market-data broker backed by Binance spot.
// Configured API keys take precedence. Without them the login and password of
// Credentials are used as API key and secret, and with neither the adapter
// runs read-only on public market data.
type Binance struct {
	log         *slog.Logger
	opts        BinanceOptions
	accountType models.AccountType

	mu          sync.Mutex
	client      *binance.Client
	keyed       bool
	listenKey   string
	connected   bool
	lastBalance models.Balance
	conns       map[*websocket.Conn]struct{}
}

func NewBinance(log *slog.Logger, accountType models.AccountType, opts BinanceOptions) *Binance {
	return &Binance{
		log:         log.With(slog.String("broker", "binance")),
		opts:        opts,
		accountType: models.NormalizeAccountType(string(accountType)),
		lastBalance: models.Balance{Currency: "USDT", AccountType: models.NormalizeAccountType(string(accountType))},
		conns:       make(map[*websocket.Conn]struct{}),
	}
}

// BinanceFactory also switches the go-binance package to testnet endpoints
// when opts.Testnet is set.
func BinanceFactory(log *slog.Logger, opts BinanceOptions) Factory {
	binance.UseTestnet = opts.Testnet
	return func(accountType models.AccountType) Broker {
		return NewBinance(log, accountType, opts)
	}
}

func (b *Binance) Connect(ctx context.Context, creds Credentials) error {
	const op = "broker.Binance.Connect"

	key, secret := b.opts.APIKey, b.opts.APISecret
	if (key == "" || secret == "") && creds.Login != "" && creds.Password != "" {
		key, secret = creds.Login, creds.Password
	}

	client := binance.NewClient(key, secret)
	if b.opts.BaseURL != "" {
		client.BaseURL = b.opts.BaseURL
	}

	if err := client.NewPingService().Do(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	var listenKey string
	if key != "" && secret != "" {
		if _, err := client.NewGetAccountService().Do(ctx); err != nil {
			if isAuthError(err) {
				return ErrInvalidCredentials
			}
			return fmt.Errorf("%s: %w", op, err)
		}
		lk, err := client.NewStartUserStreamService().Do(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		listenKey = lk
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if creds.AccountType != "" {
		b.accountType = models.NormalizeAccountType(string(creds.AccountType))
		b.lastBalance.AccountType = b.accountType
	}
	b.client = client
	b.keyed = key != "" && secret != ""
	b.listenKey = listenKey
	b.connected = true

	b.log.Info("🔌 connected", slog.Bool("keyed", b.keyed), slog.Bool("testnet", b.opts.Testnet))
	return nil
}

// SubmitTwoFactor is never needed on Binance.
func (b *Binance) SubmitTwoFactor(context.Context, string) error {
	return ErrNotConnected
}

func (b *Binance) Refresh(ctx context.Context) (time.Time, error) {
	const op = "broker.Binance.Refresh"

	client, err := b.rest()
	if err != nil {
		return time.Time{}, err
	}

	b.mu.Lock()
	listenKey := b.listenKey
	b.mu.Unlock()

	if listenKey == "" {
		if err := client.NewPingService().Do(ctx); err != nil {
			return time.Time{}, fmt.Errorf("%s: %w", op, err)
		}
		return time.Now().Add(listenKeyTTL), nil
	}

	if err := client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", op, err)
	}
	return time.Now().Add(listenKeyTTL), nil
}

func (b *Binance) Ping(ctx context.Context) error {
	client, err := b.rest()
	if err != nil {
		return err
	}
	return client.NewPingService().Do(ctx)
}

// Balance sums the free USDT balance. Without API keys it returns the last
// known balance.
func (b *Binance) Balance(ctx context.Context) (models.Balance, error) {
	const op = "broker.Binance.Balance"

	client, err := b.rest()
	if err != nil {
		return models.Balance{}, err
	}

	b.mu.Lock()
	keyed, last := b.keyed, b.lastBalance
	b.mu.Unlock()

	if !keyed {
		return last, nil
	}

	account, err := client.NewGetAccountService().Do(ctx)
	if err != nil {
		return last, fmt.Errorf("%s: %w", op, err)
	}

	total := decimal.Zero
	for _, bal := range account.Balances {
		if bal.Asset != "USDT" {
			continue
		}
		free, err := decimal.NewFromString(bal.Free)
		if err != nil {
			continue
		}
		total = total.Add(free)
	}

	amount, _ := total.Float64()

	b.mu.Lock()
	b.lastBalance.Amount = amount
	last = b.lastBalance
	b.mu.Unlock()

	return last, nil
}

// Pairs lists trading USDT spot symbols. Binance has no OTC market.
func (b *Binance) Pairs(ctx context.Context, _ bool) ([]models.Pair, error) {
	const op = "broker.Binance.Pairs"

	client, err := b.rest()
	if err != nil {
		return nil, err
	}

	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	out := make([]models.Pair, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.QuoteAsset != "USDT" {
			continue
		}
		out = append(out, models.Pair{
			Symbol:   s.Symbol,
			Name:     s.BaseAsset + "/" + s.QuoteAsset,
			IsActive: s.Status == "TRADING",
			Type:     "crypto",
		})
	}
	return out, nil
}

// Candles fetches klines, retrying once on a transient failure.
func (b *Binance) Candles(ctx context.Context, symbol string, timeframe time.Duration, count int) ([]models.Candle, error) {
	const op = "broker.Binance.Candles"

	client, err := b.rest()
	if err != nil {
		return nil, err
	}

	validSymbol := NormalizeSymbol(symbol)
	interval, factor := klineInterval(timeframe)
	limit := min(count*factor, maxKlines)

	var klines []*binance.Kline
	for i := 0; i < 2; i++ {
		klines, err = client.NewKlinesService().
			Symbol(validSymbol).
			Interval(interval).
			Limit(limit).
			Do(ctx)
		if err == nil || isInvalidSymbol(err) {
			break
		}
		if i == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}
	}
	if err != nil {
		if isInvalidSymbol(err) {
			return nil, ErrUnknownSymbol
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, models.Candle{
			Time:   time.UnixMilli(k.OpenTime),
			Open:   parsePrice(k.Open),
			High:   parsePrice(k.High),
			Low:    parsePrice(k.Low),
			Close:  parsePrice(k.Close),
			Volume: parsePrice(k.Volume),
		})
	}
	return mergeCandles(candles, factor), nil
}

type binanceCombinedMsg struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceTradeData struct {
	Symbol string `json:"s"`
	Price  string `json:"p"`
	Time   int64  `json:"T"`
}

// Stream reads the combined aggTrade stream for symbols. The returned channel
// closes on the first read error, leaving reconnects to the caller.
func (b *Binance) Stream(ctx context.Context, symbols []string) (<-chan models.Tick, error) {
	const op = "broker.Binance.Stream"

	if _, err := b.rest(); err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%s: no symbols", op)
	}

	// ticks carry the symbol the caller asked for, not the exchange name
	names := make(map[string]string, len(symbols))
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		stream := strings.ToLower(NormalizeSymbol(s))
		names[stream] = strings.ToUpper(strings.TrimSpace(s))
		streams = append(streams, stream+"@aggTrade")
	}
	url := b.streamURL() + strings.Join(streams, "/")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	b.track(conn, true)

	out := make(chan models.Tick, len(symbols)*4)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	go func() {
		defer close(out)
		defer b.track(conn, false)
		defer conn.Close()

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					b.log.Warn("stream read error", logger.Err(err))
				}
				return
			}

			var msg binanceCombinedMsg
			if err := json.Unmarshal(message, &msg); err != nil {
				continue
			}
			var trade binanceTradeData
			if err := json.Unmarshal(msg.Data, &trade); err != nil {
				continue
			}

			symbol, ok := names[strings.ToLower(extractSymbol(msg.Stream))]
			if !ok {
				symbol = extractSymbol(msg.Stream)
			}
			tick := models.Tick{
				Symbol: symbol,
				Price:  parsePrice(trade.Price),
				Time:   time.UnixMilli(trade.Time),
			}
			select {
			case out <- tick:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (b *Binance) Close() error {
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	client, listenKey := b.client, b.listenKey
	b.connected = false
	b.listenKey = ""
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	if client != nil && listenKey != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
			b.log.Debug("failed to close listen key", logger.Err(err))
		}
	}
	return nil
}

func (b *Binance) rest() (*binance.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected || b.client == nil {
		return nil, ErrNotConnected
	}
	return b.client, nil
}

func (b *Binance) track(conn *websocket.Conn, add bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if add {
		b.conns[conn] = struct{}{}
		return
	}
	delete(b.conns, conn)
}

func (b *Binance) streamURL() string {
	switch {
	case b.opts.StreamURL != "":
		return b.opts.StreamURL
	case b.opts.Testnet:
		return binanceTestnetStreamURL
	default:
		return binanceStreamURL
	}
}

// NormalizeSymbol upper-cases symbol and appends USDT when no quote is given.
func NormalizeSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if strings.HasSuffix(symbol, "USDT") {
		return symbol
	}
	symbol = strings.TrimSuffix(symbol, "USD")
	return symbol + "USDT"
}

func extractSymbol(streamName string) string {
	parts := strings.Split(streamName, "@")
	return strings.ToUpper(parts[0])
}

// maxKlines is the largest limit the klines endpoint accepts.
const maxKlines = 1000

var klineIntervals = []struct {
	d        time.Duration
	interval string
}{
	{60 * time.Minute, "1h"},
	{30 * time.Minute, "30m"},
	{15 * time.Minute, "15m"},
	{5 * time.Minute, "5m"},
	{3 * time.Minute, "3m"},
	{time.Minute, "1m"},
}

// klineInterval picks the largest Binance interval that divides timeframe and
// the number of those klines that make up one candle. 10m is served as two
// 5m klines.
func klineInterval(timeframe time.Duration) (string, int) {
	for _, ki := range klineIntervals {
		if timeframe >= ki.d && timeframe%ki.d == 0 {
			return ki.interval, int(timeframe / ki.d)
		}
	}
	return "1m", 1
}

// mergeCandles folds every factor consecutive candles into one, aligned to
// the most recent candle. A partial group at the start is dropped.
func mergeCandles(candles []models.Candle, factor int) []models.Candle {
	if factor <= 1 {
		return candles
	}

	start := len(candles) % factor
	out := make([]models.Candle, 0, len(candles)/factor)
	for i := start; i+factor <= len(candles); i += factor {
		group := candles[i : i+factor]
		c := models.Candle{
			Time:  group[0].Time,
			Open:  group[0].Open,
			High:  group[0].High,
			Low:   group[0].Low,
			Close: group[factor-1].Close,
		}
		for _, g := range group {
			c.High = max(c.High, g.High)
			c.Low = min(c.Low, g.Low)
			c.Volume += g.Volume
		}
		out = append(out, c)
	}
	return out
}

func parsePrice(s string) float64 {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

func isInvalidSymbol(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == -1121
	}
	return strings.Contains(err.Error(), "-1121")
}

func isAuthError(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -2014, -2015, -1022:
			return true
		}
	}
	return false
}
