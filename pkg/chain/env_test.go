package chain

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent string

func (e testEvent) Topic() string { return string(e) }

func TestAtomicRevert(t *testing.T) {
	env := NewEnv()
	m := NewMap[string, int](env)
	v := NewValue(env, 1)
	s := NewOrderedSet[string](env)

	m.Set("keep", 1)

	boom := errors.New("boom")
	err := env.Execute(func() error {
		m.Set("keep", 2)
		m.Set("new", 3)
		m.Delete("keep")
		v.Set(10)
		s.Add("a")
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, ok := m.Get("keep")
	assert.True(t, ok)
	assert.Equal(t, 1, got)
	assert.False(t, m.Has("new"))
	assert.Equal(t, 1, v.Get())
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.Contains("a"))
}

func TestAtomicNested(t *testing.T) {
	env := NewEnv()
	m := NewMap[string, int](env)

	err := env.Execute(func() error {
		m.Set("outer", 1)
		inner := env.Atomic(func() error {
			m.Set("inner", 2)
			return errors.New("inner failed")
		})
		assert.Error(t, inner)
		assert.False(t, m.Has("inner"))
		assert.True(t, m.Has("outer"))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, m.Has("outer"))
	assert.False(t, m.Has("inner"))
	assert.False(t, env.InTransaction())
}

func TestAtomicPanic(t *testing.T) {
	env := NewEnv()
	v := NewValue(env, "before")

	assert.Panics(t, func() {
		_ = env.Execute(func() error {
			v.Set("after")
			panic("explode")
		})
	})
	assert.Equal(t, "before", v.Get())
	assert.False(t, env.InTransaction())
}

func TestEventsDeliveredOnCommit(t *testing.T) {
	env := NewEnv()
	var got []string
	env.Subscribe(SinkFunc(func(ev Event) { got = append(got, ev.Topic()) }))

	err := env.Execute(func() error {
		env.Emit(testEvent("a"))
		assert.Empty(t, got)
		_ = env.Atomic(func() error {
			env.Emit(testEvent("dropped"))
			return errors.New("fail")
		})
		env.Emit(testEvent("b"))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	_ = env.Execute(func() error {
		env.Emit(testEvent("c"))
		return errors.New("fail")
	})
	assert.Equal(t, []string{"a", "b"}, got)

	// outside a transaction events go straight out
	env.Emit(testEvent("d"))
	assert.Equal(t, []string{"a", "b", "d"}, got)
}

func TestBlocksAndClock(t *testing.T) {
	now := time.Unix(1700000000, 0)
	env := NewEnv(WithBlock(7), WithClock(func() time.Time { return now }))

	assert.Equal(t, uint64(7), env.BlockNumber())
	assert.Equal(t, uint64(8), env.AdvanceBlock())
	env.SetBlock(100)
	assert.Equal(t, uint64(100), env.BlockNumber())
	assert.Equal(t, now, env.Now())
}

func TestNativeBank(t *testing.T) {
	env := NewEnv()
	bank := NewNativeBank(env)
	alice := LabelAddress("alice")
	bob := LabelAddress("bob")

	require.NoError(t, bank.Credit(alice, big.NewInt(100)))

	t.Run("Transfer", func(t *testing.T) {
		require.NoError(t, bank.Transfer(alice, bob, big.NewInt(40)))
		assert.Equal(t, big.NewInt(60), bank.BalanceOf(alice))
		assert.Equal(t, big.NewInt(40), bank.BalanceOf(bob))
	})

	t.Run("Insufficient", func(t *testing.T) {
		err := bank.Transfer(bob, alice, big.NewInt(41))
		assert.ErrorIs(t, err, ErrInsufficientNative)
		assert.Equal(t, big.NewInt(40), bank.BalanceOf(bob))
	})

	t.Run("ExportImport", func(t *testing.T) {
		st := bank.Export()
		restored := NewNativeBank(NewEnv())
		require.NoError(t, restored.Import(st))
		assert.Equal(t, big.NewInt(60), restored.BalanceOf(alice))
		assert.Equal(t, big.NewInt(40), restored.BalanceOf(bob))
	})
}

func TestAddresses(t *testing.T) {
	a := LabelAddress("treasury")
	assert.Equal(t, a, LabelAddress("treasury"))
	assert.NotEqual(t, a, LabelAddress("vault"))

	c0 := ContractAddress(a, 0)
	c1 := ContractAddress(a, 1)
	assert.NotEqual(t, c0, c1)

	parsed, err := ParseAddress(a.Hex())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = ParseAddress("not-an-address")
	assert.Error(t, err)
}
