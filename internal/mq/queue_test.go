package mq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestQueueFIFOSingleProducer(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		values := rapid.SliceOf(rapid.Int()).Draw(t, "values")
		q := New()
		for i, v := range values {
			if err := q.Push(Type(i%3), v); err != nil {
				t.Fatalf("push: %v", err)
			}
		}
		for i, want := range values {
			msg, ok := q.TryPop()
			if !ok {
				t.Fatalf("missing item %d", i)
			}
			if msg.Payload.(int) != want || msg.Type != Type(i%3) {
				t.Fatalf("item %d: got %v/%v want %v", i, msg.Type, msg.Payload, want)
			}
		}
		if _, ok := q.TryPop(); ok {
			t.Fatalf("queue should be empty")
		}
	})
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New()
	got := make(chan Message, 1)
	go func() {
		msg, err := q.Pop(context.Background())
		if err == nil {
			got <- msg
		}
	}()

	select {
	case <-got:
		t.Fatal("pop returned before push")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.Push(7, "hello"))
	select {
	case msg := <-got:
		assert.Equal(t, Type(7), msg.Type)
		assert.Equal(t, "hello", msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake")
	}
}

func TestCloseWakesAllReaders(t *testing.T) {
	q := New()
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Pop(context.Background())
			errs <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Close()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, ErrClosed)
	}
	assert.ErrorIs(t, q.Push(1, nil), ErrClosed)
}

func TestClosedQueueStillDeliversPending(t *testing.T) {
	q := New()
	require.NoError(t, q.Push(1, "a"))
	require.NoError(t, q.Push(2, "b"))
	q.Close()

	msg, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", msg.Payload)
	msg, err = q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", msg.Payload)
	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPopHonoursContext(t *testing.T) {
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDrainDisposesEverything(t *testing.T) {
	q := New()
	for i := 0; i < 100; i++ {
		require.NoError(t, q.Push(Type(i), i))
	}
	_, _ = q.TryPop()

	var seen []int
	n := q.Drain(func(m Message) { seen = append(seen, m.Payload.(int)) })
	assert.Equal(t, 99, n)
	require.Len(t, seen, 99)
	assert.Equal(t, 1, seen[0])
	assert.Equal(t, 99, seen[98])
	assert.Equal(t, 0, q.Len())
}

func TestConcurrentProducersLoseNothing(t *testing.T) {
	q := New()
	const producers, perProducer = 8, 500
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Push(Type(p), i)
			}
		}(p)
	}

	last := make(map[Type]int)
	for p := 0; p < producers; p++ {
		last[Type(p)] = -1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for n := 0; n < producers*perProducer; n++ {
		msg, err := q.Pop(ctx)
		require.NoError(t, err)
		v := msg.Payload.(int)
		require.Equal(t, last[msg.Type]+1, v, "per-producer order broken")
		last[msg.Type] = v
	}
	wg.Wait()
}
