package events

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/leverage/pkg/chain"
	"github.com/luxfi/leverage/pkg/oracle"
	"github.com/luxfi/leverage/pkg/vault"
)

type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	fail     error
	flushed  bool
	closed   bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func (c *fakeConn) Flush() error { c.flushed = true; return nil }
func (c *fakeConn) Close()       { c.closed = true }

type recorder struct {
	mu   sync.Mutex
	envs []Envelope
}

func (r *recorder) Publish(env Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func TestBusDeliversCommittedEvents(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	env := chain.NewEnv(chain.WithBlock(9), chain.WithClock(func() time.Time { return now }))
	bus := NewBus(env, 16)
	env.Subscribe(bus)

	rec := &recorder{}
	bus.Subscribe(rec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.Run(ctx)
		close(done)
	}()

	_ = env.Execute(func() error {
		env.Emit(vault.AssetAdded{Asset: chain.LabelAddress("a")})
		return errors.New("boom")
	})
	require.NoError(t, env.Execute(func() error {
		env.Emit(vault.MarketAdded{Market: chain.LabelAddress("m")})
		return nil
	}))

	assert.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	got := rec.envs[0]
	assert.Equal(t, "vault.MarketAdded", got.Topic)
	assert.Equal(t, uint64(9), got.Block)
	assert.Equal(t, now, got.Time)
}

func TestBusDropsWhenFull(t *testing.T) {
	env := chain.NewEnv()
	bus := NewBus(env, 2)
	for i := 0; i < 5; i++ {
		bus.Consume(vault.AssetAdded{})
	}
	assert.Equal(t, uint64(3), bus.Dropped())

	rec := &recorder{}
	bus.Subscribe(rec)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Run(ctx)
	assert.Equal(t, 2, rec.len())
}

func TestPublisher(t *testing.T) {
	conn := &fakeConn{}
	count := 0
	p := NewPublisher(conn, "perp.", WithPublishHook(func() { count++ }))

	assert.Equal(t, "perp.oracle.PriceUpdated", p.Subject("oracle.PriceUpdated"))

	p.Publish(Envelope{
		Topic: "oracle.PriceUpdated",
		Block: 3,
		Data:  oracle.PriceUpdated{Pair: "ETH/USD", NewPrice: big.NewInt(2000)},
	})
	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "perp.oracle.PriceUpdated", conn.subjects[0])
	assert.Equal(t, 1, count)

	var decoded struct {
		Topic string `json:"topic"`
		Block uint64 `json:"block"`
		Data  struct {
			Pair     string `json:"pair"`
			NewPrice int64  `json:"newPrice"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(conn.payloads[0], &decoded))
	assert.Equal(t, "ETH/USD", decoded.Data.Pair)
	assert.Equal(t, int64(2000), decoded.Data.NewPrice)
	assert.Equal(t, uint64(3), decoded.Block)

	t.Run("PublishFailure", func(t *testing.T) {
		conn.fail = errors.New("disconnected")
		p.Publish(Envelope{Topic: "x"})
		assert.Equal(t, 1, count)
	})

	t.Run("NoPrefix", func(t *testing.T) {
		assert.Equal(t, "vault.Deposited", NewPublisher(conn, "").Subject("vault.Deposited"))
	})

	p.Close()
	assert.True(t, conn.flushed)
	assert.True(t, conn.closed)
}
