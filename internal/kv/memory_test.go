package kv_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"daybook/internal/kv"
)

func TestMemory_GetAbsentKey(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()

	v, ok, err := store.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, v)
}

func TestMemory_SetGetRemove(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()

	require.NoError(t, store.Set("k", []byte("hello")))

	v, ok, err := store.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), v)

	require.NoError(t, store.Remove("k"))

	_, ok, err = store.Get("k")
	require.NoError(t, err)
	require.False(t, ok)

	// Removing twice is a no-op.
	require.NoError(t, store.Remove("k"))
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()
	require.NoError(t, store.Set("k", []byte("aaa")))

	v, _, err := store.Get("k")
	require.NoError(t, err)

	v[0] = 'z'

	again, _, err := store.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("aaa"), again)
}

func TestMemory_QuotaRejectsOversizedWrite(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()
	store.SetQuota(10)

	require.NoError(t, store.Set("a", []byte("12345")))

	err := store.Set("b", []byte("123456789"))
	require.ErrorIs(t, err, kv.ErrQuotaExceeded)

	// The failed write left the store unchanged.
	_, ok, getErr := store.Get("b")
	require.NoError(t, getErr)
	require.False(t, ok)

	// Replacing an existing key only counts the new size.
	require.NoError(t, store.Set("a", []byte("1234567890")))
}

func TestMemory_SetHookSubstitutesBytes(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()
	store.SetHook = func(key string, value []byte) ([]byte, error) {
		return value[:2], nil
	}

	require.NoError(t, store.Set("k", []byte("full value")))

	v, _, err := store.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("fu"), v, "stored bytes should be the substituted ones")
}

func TestMemory_SetHookFailsWrite(t *testing.T) {
	t.Parallel()

	injected := errors.New("medium offline")

	store := kv.NewMemory()
	store.SetHook = func(string, []byte) ([]byte, error) {
		return nil, injected
	}

	err := store.Set("k", []byte("v"))
	require.ErrorIs(t, err, injected)
}

func TestMemory_SubscribeDeliversEvents(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()

	var events []kv.Event

	cancel := store.Subscribe(func(ev kv.Event) {
		events = append(events, ev)
	})

	require.NoError(t, store.Set("k", []byte("v")))
	require.NoError(t, store.Remove("k"))

	require.Len(t, events, 2)
	require.Equal(t, "k", events[0].Key)
	require.Equal(t, []byte("v"), events[0].Value)
	require.Nil(t, events[1].Value, "removal event carries nil value")

	cancel()
	cancel() // idempotent

	require.NoError(t, store.Set("k", []byte("v2")))
	require.Len(t, events, 2, "cancelled subscriber must not fire")
}

func TestMemory_WithLockSerializes(t *testing.T) {
	t.Parallel()

	store := kv.NewMemory()

	counter := 0
	done := make(chan struct{})

	for range 8 {
		go func() {
			defer func() { done <- struct{}{} }()

			_ = store.WithLock("lease", func() error {
				counter++

				return nil
			})
		}()
	}

	for range 8 {
		<-done
	}

	require.Equal(t, 8, counter)
}
