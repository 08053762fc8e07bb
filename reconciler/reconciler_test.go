package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/apperr"
	"github.com/tarancss/waas/lib/events"
	"github.com/tarancss/waas/lib/msg"
	"github.com/tarancss/waas/lib/store"
)

// fakeService settles a hash after the given number of polls.
type fakeService struct {
	mu      sync.Mutex
	passes  int
	polls   map[string]int
	settle  map[string]int
	passErr error
}

func newFake() *fakeService {
	return &fakeService{polls: map[string]int{}, settle: map[string]int{}}
}

func (f *fakeService) ReconcilePending(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.passes++

	return 0, f.passErr
}

func (f *fakeService) ReconcileTransaction(_ context.Context, hash string) (*store.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.settle[hash]
	if !ok {
		return nil, apperr.NotFoundf("transaction not found")
	}

	f.polls[hash]++

	st := store.TxPending
	if f.polls[hash] >= n {
		st = store.TxConfirmed
	}

	return &store.Transaction{Hash: hash, Status: st}, nil
}

func (f *fakeService) count(hash string) (passes, polls int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.passes, f.polls[hash]
}

// fakeBroker hands the messages written to in to the consumer.
type fakeBroker struct {
	in     chan msg.Message
	queue  string
	names  []string
	closed bool
}

func (b *fakeBroker) Publish(context.Context, events.Event) error { return nil }
func (b *fakeBroker) Setup() error                                { return nil }
func (b *fakeBroker) Close() error                                { b.closed = true; return nil }

func (b *fakeBroker) Consume(ctx context.Context, queue string, names []string, h msg.Handler) error {
	b.queue, b.names = queue, names

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-b.in:
			_ = h(ctx, m)
		}
	}
}

func sent(t *testing.T, hash string) msg.Message {
	t.Helper()

	data, err := json.Marshal(events.Transaction{Hash: hash, Status: store.TxPending})
	require.NoError(t, err)

	return msg.Message{Event: events.TransactionSent, Data: data}
}

func TestHandleSent(t *testing.T) {
	f := newFake()
	f.settle["0xquick"] = 1
	f.settle["0xslow"] = 3

	r := New(f, nil, Options{}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, r.HandleSent(ctx, sent(t, "0xquick")))
	require.NoError(t, r.HandleSent(ctx, sent(t, "0xslow")))
	require.NoError(t, r.HandleSent(ctx, sent(t, "0xunknown")))
	require.NoError(t, r.HandleSent(ctx, msg.Message{Event: events.TransactionSent, Data: []byte("{")}))

	// confirmed on arrival and unknown hashes are not watched
	assert.Equal(t, []string{"0xslow"}, r.Watched())

	r.Watch(ctx)
	assert.Equal(t, []string{"0xslow"}, r.Watched())
	r.Watch(ctx)
	assert.Empty(t, r.Watched())

	_, polls := f.count("0xslow")
	assert.Equal(t, 3, polls)
}

func TestWatchExpires(t *testing.T) {
	f := newFake()
	f.settle["0xstuck"] = 1000

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	r := New(f, nil, Options{WatchFor: time.Minute}, zap.NewNop())
	r.now = func() time.Time { return now }

	require.NoError(t, r.HandleSent(context.Background(), sent(t, "0xstuck")))
	r.Watch(context.Background())
	assert.Len(t, r.Watched(), 1)

	now = now.Add(2 * time.Minute)
	r.Watch(context.Background())
	assert.Empty(t, r.Watched())
}

func TestWatchlistBound(t *testing.T) {
	f := newFake()
	f.settle["0x1"], f.settle["0x2"] = 10, 10

	r := New(f, nil, Options{MaxWatched: 1}, zap.NewNop())
	require.NoError(t, r.HandleSent(context.Background(), sent(t, "0x1")))
	require.NoError(t, r.HandleSent(context.Background(), sent(t, "0x2")))

	assert.Equal(t, []string{"0x1"}, r.Watched())

	_, polls := f.count("0x2")
	assert.Zero(t, polls, "a refused hash is left to the periodic pass")
}

func TestStartStop(t *testing.T) {
	f := newFake()
	f.settle["0xabc"] = 2
	f.passErr = errors.New("db down")

	b := &fakeBroker{in: make(chan msg.Message)}
	r := New(f, b, Options{Interval: 10 * time.Millisecond, WatchInterval: 5 * time.Millisecond}, zap.NewNop())

	done := r.Start(context.Background())

	b.in <- sent(t, "0xabc")

	assert.Eventually(t, func() bool {
		passes, polls := f.count("0xabc")
		return passes >= 2 && polls >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(r.Watched()) == 0 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, Queue, b.queue)
	assert.Equal(t, []string{events.TransactionSent}, b.names)

	r.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func TestStopOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(newFake(), nil, Options{Interval: time.Hour}, zap.NewNop())

	done := r.Start(ctx)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}

	// a stopped reconciler watches nothing new
	f := newFake()
	r.svc = f
	f.settle["0x1"] = 5
	require.NoError(t, r.HandleSent(context.Background(), sent(t, "0x1")))
	assert.Empty(t, r.Watched())
}
