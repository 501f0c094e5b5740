package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rick-terminal/broker"
	"rick-terminal/logger"
	"rick-terminal/models"
)

type failingBroker struct {
	*broker.Paper
}

func (failingBroker) Connect(context.Context, broker.Credentials) error {
	return errors.New("upstream down")
}

type countingBroker struct {
	*broker.Paper
	calls *atomic.Int32
}

func (c countingBroker) Candles(ctx context.Context, symbol string, tf time.Duration, count int) ([]models.Candle, error) {
	c.calls.Add(1)
	return c.Paper.Candles(ctx, symbol, tf, count)
}

// taggedBroker stamps every streamed tick with the id of the client it came from.
type taggedBroker struct {
	*broker.Paper
	id float64
}

func (b taggedBroker) Stream(ctx context.Context, symbols []string) (<-chan models.Tick, error) {
	in, err := b.Paper.Stream(ctx, symbols)
	if err != nil {
		return nil, err
	}
	out := make(chan models.Tick)
	go func() {
		defer close(out)
		for tick := range in {
			tick.Price = b.id
			select {
			case out <- tick:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func testOptions() Options {
	return Options{
		IdleTimeout:       time.Hour,
		CleanupInterval:   time.Hour,
		RefreshInterval:   time.Hour,
		ReconnectMin:      time.Millisecond,
		ReconnectMax:      5 * time.Millisecond,
		ReconnectAttempts: 3,
	}
}

func newManager(t *testing.T, factory broker.Factory, opts Options) *Manager {
	t.Helper()

	m := NewManager(logger.Discard(), factory, broker.NewVault("test"), opts)
	t.Cleanup(m.Stop)
	return m
}

func creds(accountType models.AccountType) broker.Credentials {
	return broker.Credentials{
		Login:       gofakeit.Email(),
		Password:    gofakeit.Password(true, true, true, false, false, 10),
		AccountType: accountType,
	}
}

// waitStatus reads events until a status with state arrives.
func waitStatus(t *testing.T, sub *Subscription, state State) StatusEvent {
	t.Helper()

	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.C:
			require.True(t, ok, "subscription closed")
			if st, isStatus := ev.(StatusEvent); isStatus && st.State == state {
				return st
			}
		case <-timeout:
			t.Fatalf("no %s status received", state)
		}
	}
}

func TestConnect_ReusesLiveSession(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, broker.PaperFactory(broker.PaperOptions{}), testOptions())

	c := creds(models.AccountPractice)
	res, err := m.Connect(ctx, "alice", c)
	require.NoError(t, err)
	assert.True(t, res.Connected)
	require.NotNil(t, res.Balance)
	assert.Equal(t, 10000.0, res.Balance.Amount)

	res, err = m.Connect(ctx, "alice", c)
	require.NoError(t, err)
	assert.Equal(t, "session already active", res.Message)
	assert.True(t, m.IsConnected("alice"))

	first, err := m.Client("alice")
	require.NoError(t, err)

	c.AccountType = models.AccountReal
	res, err = m.Connect(ctx, "alice", c)
	require.NoError(t, err)
	assert.True(t, res.Connected)
	assert.Equal(t, models.AccountReal, res.AccountType)

	second, err := m.Client("alice")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	require.ErrorIs(t, first.Ping(ctx), broker.ErrNotConnected)

	at, ok := m.AccountType("alice")
	require.True(t, ok)
	assert.Equal(t, models.AccountReal, at)

	assert.Len(t, m.ActiveSessions(), 1)
	assert.True(t, m.Disconnect("alice"))
	assert.False(t, m.Disconnect("alice"))

	_, err = m.Client("alice")
	require.ErrorIs(t, err, ErrNoSession)
}

func TestConnect_InvalidCredentials(t *testing.T) {
	m := newManager(t, broker.PaperFactory(broker.PaperOptions{}), testOptions())

	_, err := m.Connect(context.Background(), "bob", broker.Credentials{Login: "bob"})
	require.ErrorIs(t, err, broker.ErrInvalidCredentials)
	assert.Empty(t, m.ActiveSessions())
}

func TestTwoFactorFlow(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, broker.PaperFactory(broker.PaperOptions{TwoFactorCode: "4242"}), testOptions())

	_, err := m.CompleteTwoFactor(ctx, "carol", "4242")
	require.ErrorIs(t, err, ErrNoSession)

	res, err := m.Connect(ctx, "carol", creds(models.AccountPractice))
	require.NoError(t, err)
	assert.True(t, res.TwoFactorRequired)
	assert.NotEmpty(t, res.TwoFactorMessage)
	assert.Equal(t, StateAwaiting2FA, m.State("carol"))

	_, err = m.Client("carol")
	require.ErrorIs(t, err, ErrTwoFactorPending)

	res, err = m.Connect(ctx, "carol", creds(models.AccountPractice))
	require.NoError(t, err)
	assert.True(t, res.TwoFactorRequired, "pending challenge is returned again")

	res, err = m.CompleteTwoFactor(ctx, "carol", "0000")
	require.ErrorIs(t, err, broker.ErrInvalidCode)
	assert.True(t, res.TwoFactorRequired)
	assert.Equal(t, StateAwaiting2FA, m.State("carol"))

	res, err = m.CompleteTwoFactor(ctx, "carol", "4242")
	require.NoError(t, err)
	assert.True(t, res.Connected)
	assert.True(t, m.IsConnected("carol"))

	_, err = m.CompleteTwoFactor(ctx, "carol", "4242")
	require.ErrorIs(t, err, ErrNoChallenge)
}

func TestWatch_FansOutTicksUntilDisconnect(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, broker.PaperFactory(broker.PaperOptions{TickInterval: time.Millisecond}), testOptions())

	require.ErrorIs(t, m.Watch("dave", []string{"EURUSD"}), ErrNoSession)

	sub := m.Subscribe(1024)
	defer sub.Close()

	_, err := m.Connect(ctx, "dave", creds(models.AccountPractice))
	require.NoError(t, err)
	require.NoError(t, m.Watch("dave", []string{"eurusd", "EURUSD", " gbpusd "}))

	seen := map[string]bool{}
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-sub.C:
				if tick, ok := ev.(TickEvent); ok {
					assert.Equal(t, "dave", tick.Username)
					seen[tick.Tick.Symbol] = true
				}
			default:
				return seen["EURUSD"] && seen["GBPUSD"]
			}
		}
	}, 3*time.Second, 5*time.Millisecond)

	require.True(t, m.Disconnect("dave"))

	// drain what was published before Disconnect returned
	for drained := false; !drained; {
		select {
		case <-sub.C:
		default:
			drained = true
		}
	}

	time.Sleep(30 * time.Millisecond)
	select {
	case ev := <-sub.C:
		t.Fatalf("event after disconnect: %#v", ev)
	default:
	}
}

func TestSupervisor_ReconnectsAfterDrop(t *testing.T) {
	ctx := context.Background()
	opts := broker.PaperOptions{TickInterval: time.Millisecond, DropAfter: 5}
	m := newManager(t, broker.PaperFactory(opts), testOptions())

	sub := m.Subscribe(4096)
	defer sub.Close()

	_, err := m.Connect(ctx, "erin", creds(models.AccountPractice))
	require.NoError(t, err)
	require.NoError(t, m.Watch("erin", []string{"EURUSD"}))

	waitStatus(t, sub, StateReconnecting)
	st := waitStatus(t, sub, StateConnected)
	assert.Equal(t, "reconnected", st.Message)
	assert.Equal(t, "erin", st.Username)
}

func TestSupervisor_GivesUpAfterAttempts(t *testing.T) {
	ctx := context.Background()

	var built atomic.Int32
	factory := func(at models.AccountType) broker.Broker {
		p := broker.NewPaper(at, broker.PaperOptions{TickInterval: time.Millisecond, DropAfter: 2})
		if built.Add(1) == 1 {
			return p
		}
		return failingBroker{Paper: p}
	}
	m := newManager(t, factory, testOptions())

	sub := m.Subscribe(4096)
	defer sub.Close()

	_, err := m.Connect(ctx, "frank", creds(models.AccountPractice))
	require.NoError(t, err)
	require.NoError(t, m.Watch("frank", []string{"EURUSD"}))

	st := waitStatus(t, sub, StateDisconnected)
	assert.Equal(t, "reconnect attempts exhausted", st.Message)
	assert.False(t, m.IsConnected("frank"))
	assert.Empty(t, m.ActiveSessions())
	assert.EqualValues(t, 1+testOptions().ReconnectAttempts, built.Load())
}

func TestSupervisor_RefreshFailureReconnects(t *testing.T) {
	ctx := context.Background()
	opts := testOptions()
	opts.RefreshInterval = 10 * time.Millisecond

	var built atomic.Int32
	var first *broker.Paper
	factory := func(at models.AccountType) broker.Broker {
		p := broker.NewPaper(at, broker.PaperOptions{})
		if built.Add(1) == 1 {
			first = p
		}
		return p
	}
	m := newManager(t, factory, opts)

	sub := m.Subscribe(64)
	defer sub.Close()

	_, err := m.Connect(ctx, "gina", creds(models.AccountPractice))
	require.NoError(t, err)

	// a closed paper client fails its refresh
	require.NoError(t, first.Close())

	waitStatus(t, sub, StateReconnecting)
	waitStatus(t, sub, StateConnected)
	assert.True(t, m.IsConnected("gina"))
}

func TestCleanup_ClosesIdleSessions(t *testing.T) {
	opts := testOptions()
	opts.IdleTimeout = 20 * time.Millisecond
	opts.CleanupInterval = 5 * time.Millisecond
	m := newManager(t, broker.PaperFactory(broker.PaperOptions{}), opts)

	m.Start(context.Background())

	_, err := m.Connect(context.Background(), "hank", creds(models.AccountPractice))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return !m.IsConnected("hank")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCandles_Cached(t *testing.T) {
	ctx := context.Background()

	var calls atomic.Int32
	factory := func(at models.AccountType) broker.Broker {
		return countingBroker{Paper: broker.NewPaper(at, broker.PaperOptions{}), calls: &calls}
	}
	m := newManager(t, factory, testOptions())

	_, err := m.Connect(ctx, "ivy", creds(models.AccountPractice))
	require.NoError(t, err)

	a, err := m.Candles(ctx, "ivy", "eurusd", 300, 20)
	require.NoError(t, err)
	b, err := m.Candles(ctx, "ivy", "EURUSD", 300, 20)
	require.NoError(t, err)

	assert.Len(t, a, 20)
	assert.Equal(t, a, b)
	assert.EqualValues(t, 1, calls.Load())

	_, err = m.Candles(ctx, "ivy", "EURUSD", 60, 20)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())

	_, err = m.Candles(ctx, "nobody", "EURUSD", 60, 20)
	require.ErrorIs(t, err, ErrNoSession)
}

func TestSubscription_DropsWhenFull(t *testing.T) {
	m := newManager(t, broker.PaperFactory(broker.PaperOptions{}), testOptions())

	sub := m.Subscribe(1)
	for i := 0; i < 5; i++ {
		m.fan.publish(StatusEvent{Username: "x", State: StateConnected})
	}
	assert.EqualValues(t, 4, sub.Dropped())

	sub.Close()
	sub.Close()
	_, ok := <-sub.C
	assert.True(t, ok, "buffered event survives close")
	_, ok = <-sub.C
	assert.False(t, ok)
}

func TestTwoFactor_ConcurrentDisconnectWins(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, broker.PaperFactory(broker.PaperOptions{TwoFactorCode: "4242"}), testOptions())

	for i := 0; i < 50; i++ {
		sub := m.Subscribe(256)

		res, err := m.Connect(ctx, "judy", creds(models.AccountPractice))
		require.NoError(t, err)
		require.True(t, res.TwoFactorRequired)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = m.CompleteTwoFactor(ctx, "judy", "4242")
		}()
		go func() {
			defer wg.Done()
			m.Disconnect("judy")
		}()
		wg.Wait()

		// whichever side won, a Disconnect issued now leaves nothing behind
		m.Disconnect("judy")
		require.Empty(t, m.ActiveSessions(), "iteration %d", i)
		require.False(t, m.IsConnected("judy"))

		var last StatusEvent
		for drained := false; !drained; {
			select {
			case ev := <-sub.C:
				if st, ok := ev.(StatusEvent); ok && st.Username == "judy" {
					last = st
				}
			default:
				drained = true
			}
		}
		require.Equal(t, StateDisconnected, last.State, "iteration %d", i)
		sub.Close()
	}
}

func TestSupervisor_ReconnectChallengeThenResume(t *testing.T) {
	ctx := context.Background()

	var built atomic.Int32
	factory := func(at models.AccountType) broker.Broker {
		if built.Add(1) == 1 {
			return broker.NewPaper(at, broker.PaperOptions{TickInterval: time.Millisecond, DropAfter: 5})
		}
		return broker.NewPaper(at, broker.PaperOptions{TickInterval: time.Millisecond, TwoFactorCode: "4242"})
	}
	m := newManager(t, factory, testOptions())

	sub := m.Subscribe(4096)
	defer sub.Close()

	_, err := m.Connect(ctx, "kate", creds(models.AccountPractice))
	require.NoError(t, err)
	require.NoError(t, m.Watch("kate", []string{"EURUSD"}))

	waitStatus(t, sub, StateReconnecting)
	waitStatus(t, sub, StateAwaiting2FA)
	assert.Equal(t, StateAwaiting2FA, m.State("kate"))
	require.ErrorIs(t, m.Watch("kate", []string{"EURUSD"}), ErrTwoFactorPending)

	res, err := m.CompleteTwoFactor(ctx, "kate", "4242")
	require.NoError(t, err)
	assert.True(t, res.Connected)
	assert.True(t, m.IsConnected("kate"))

	// the watch list survives the challenge
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-sub.C:
				if tick, ok := ev.(TickEvent); ok && tick.Username == "kate" {
					return true
				}
			default:
				return false
			}
		}
	}, 3*time.Second, 5*time.Millisecond)

	assert.True(t, m.Disconnect("kate"))
	assert.EqualValues(t, 2, built.Load())
}

func TestSupervisor_NoTicksFromReplacedClient(t *testing.T) {
	ctx := context.Background()

	var built atomic.Int32
	factory := func(at models.AccountType) broker.Broker {
		id := built.Add(1)
		opts := broker.PaperOptions{TickInterval: time.Millisecond}
		if id == 1 {
			opts.DropAfter = 5
		}
		return taggedBroker{Paper: broker.NewPaper(at, opts), id: float64(id)}
	}
	m := newManager(t, factory, testOptions())

	sub := m.Subscribe(4096)
	defer sub.Close()

	_, err := m.Connect(ctx, "leo", creds(models.AccountPractice))
	require.NoError(t, err)
	require.NoError(t, m.Watch("leo", []string{"EURUSD"}))

	waitStatus(t, sub, StateReconnecting)
	st := waitStatus(t, sub, StateConnected)
	require.Equal(t, "reconnected", st.Message)

	got := 0
	timeout := time.After(3 * time.Second)
	for got < 20 {
		select {
		case ev := <-sub.C:
			if tick, ok := ev.(TickEvent); ok {
				require.Equal(t, 2.0, tick.Tick.Price, "tick from replaced client")
				got++
			}
		case <-timeout:
			t.Fatalf("only %d ticks after reconnect", got)
		}
	}
}

func TestManager_StopEndsEverything(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	var clients []*broker.Paper
	factory := func(at models.AccountType) broker.Broker {
		p := broker.NewPaper(at, broker.PaperOptions{TickInterval: time.Millisecond})
		mu.Lock()
		clients = append(clients, p)
		mu.Unlock()
		return p
	}
	m := newManager(t, factory, testOptions())
	m.Start(ctx)

	sub := m.Subscribe(4096)

	for _, name := range []string{"mia", "ned"} {
		_, err := m.Connect(ctx, name, creds(models.AccountPractice))
		require.NoError(t, err)
		require.NoError(t, m.Watch(name, []string{"EURUSD"}))
	}
	require.Len(t, m.ActiveSessions(), 2)

	m.Stop()

	assert.Empty(t, m.ActiveSessions())
	assert.False(t, m.IsConnected("mia"))
	assert.False(t, m.IsConnected("ned"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, clients, 2)
	for _, c := range clients {
		require.ErrorIs(t, c.Ping(ctx), broker.ErrNotConnected)
	}

	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("subscription not closed by Stop")
		}
	}
}
