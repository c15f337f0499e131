package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "shadmission/pkg/api/monitor"
)

var fixedNow = time.UnixMilli(1_700_000_000_000)

func snap(ts int64) api.Snapshot {
	return api.NewSnapshot(ts, []api.TorrentDetail{{
		Torrent:   "t",
		TorrentID: 1,
		Upload:    10,
		Peers:     []api.PeerInfo{{IP: "203.0.113.5", Port: 51413, UploadSpeed: 10}},
	}})
}

func snaps(ts ...int64) []api.Snapshot {
	out := make([]api.Snapshot, len(ts))
	for i, t := range ts {
		out[i] = snap(t)
	}
	return out
}

func timestamps(data []api.Snapshot) []int64 {
	out := make([]int64, len(data))
	for i, s := range data {
		out[i] = s.Timestamp
	}
	return out
}

type fakeFetcher struct {
	mu         sync.Mutex
	last       func(seconds int) ([]api.Snapshot, error)
	rng        func(from, to int64) ([]api.Snapshot, error)
	gate       chan struct{}
	lastCalls  []int
	rangeCalls [][2]int64
}

func (f *fakeFetcher) Last(ctx context.Context, seconds int) (api.LastResponse, error) {
	f.mu.Lock()
	f.lastCalls = append(f.lastCalls, seconds)
	gate := f.gate
	last := f.last
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return api.LastResponse{}, ctx.Err()
		}
	}
	if last == nil {
		return api.LastResponse{Snapshots: []api.Snapshot{}}, nil
	}
	s, err := last(seconds)
	return api.LastResponse{Count: len(s), Seconds: seconds, Snapshots: s}, err
}

func (f *fakeFetcher) Range(_ context.Context, from, to int64) (api.RangeResponse, error) {
	f.mu.Lock()
	f.rangeCalls = append(f.rangeCalls, [2]int64{from, to})
	rng := f.rng
	f.mu.Unlock()

	if rng == nil {
		return api.RangeResponse{From: from, To: to, Snapshots: []api.Snapshot{}}, nil
	}
	s, err := rng(from, to)
	return api.RangeResponse{Count: len(s), From: from, To: to, Snapshots: s}, err
}

func (f *fakeFetcher) setGate(g chan struct{}) {
	f.mu.Lock()
	f.gate = g
	f.mu.Unlock()
}

func (f *fakeFetcher) calls() ([]int, [][2]int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.lastCalls...), append([][2]int64(nil), f.rangeCalls...)
}

type fakeStream struct {
	feed      chan api.Snapshot
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{feed: make(chan api.Snapshot, 64), closed: make(chan struct{})}
}

func (s *fakeStream) Next() (api.Snapshot, error) {
	select {
	case v := <-s.feed:
		return v, nil
	case <-s.closed:
		return api.Snapshot{}, errors.New("connection closed")
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// fakeDialer hands out streams in order; with none queued it fails
type fakeDialer struct {
	mu      sync.Mutex
	streams []*fakeStream
	dials   int
}

func (d *fakeDialer) queue(s *fakeStream) {
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
}

func (d *fakeDialer) dial(context.Context) (LiveStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.streams) == 0 {
		return nil, errors.New("connection refused")
	}
	s := d.streams[0]
	d.streams = d.streams[1:]
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testOptions() Options {
	return Options{
		InitialSeconds: 300,
		Debounce:       20 * time.Millisecond,
		ReconnectDelay: 10 * time.Millisecond,
	}
}

func start(t *testing.T, a *Aggregator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("aggregator did not stop")
		}
	})
}

func waitFor(t *testing.T, a *Aggregator, cond func(State) bool) State {
	t.Helper()
	var st State
	require.Eventually(t, func() bool {
		st = a.State()
		return cond(st)
	}, 2*time.Second, 5*time.Millisecond)
	return st
}

func connectedWith(ts ...int64) func(State) bool {
	return func(st State) bool {
		return st.IsConnected && assert.ObjectsAreEqual(ts, timestamps(st.Data))
	}
}

func TestSeedThenLiveTail(t *testing.T) {
	f := &fakeFetcher{last: func(int) ([]api.Snapshot, error) { return snaps(1000, 2000, 3000), nil }}
	d := &fakeDialer{}
	stream := newFakeStream()
	d.queue(stream)

	a := New(f, d.dial, testOptions())
	start(t, a)

	waitFor(t, a, connectedWith(1000, 2000, 3000))

	// Duplicate and out-of-order samples never reach the tail
	stream.feed <- snap(3000)
	stream.feed <- snap(4000)
	stream.feed <- snap(3500)
	stream.feed <- snap(5000)

	st := waitFor(t, a, connectedWith(1000, 2000, 3000, 4000, 5000))
	assert.True(t, st.Live)
	assert.False(t, st.IsLoading)
	assert.Empty(t, st.Error)

	lastCalls, _ := f.calls()
	assert.Equal(t, []int{300}, lastCalls)
}

func TestBufferStaysWithinBound(t *testing.T) {
	d := &fakeDialer{}
	stream := newFakeStream()
	d.queue(stream)

	opts := testOptions()
	opts.InitialSeconds = 5
	opts.BoundSlack = 2
	a := New(&fakeFetcher{}, d.dial, opts)
	start(t, a)
	waitFor(t, a, func(st State) bool { return st.IsConnected })

	for i := int64(1); i <= 50; i++ {
		stream.feed <- snap(i * 1000)
		assert.LessOrEqual(t, len(a.State().Data), 7)
	}

	st := waitFor(t, a, func(st State) bool {
		return len(st.Data) > 0 && st.Data[len(st.Data)-1].Timestamp == 50_000
	})
	assert.Equal(t, []int64{44_000, 45_000, 46_000, 47_000, 48_000, 49_000, 50_000}, timestamps(st.Data))
}

func TestDisconnectKeepsBufferAndRedials(t *testing.T) {
	f := &fakeFetcher{last: func(int) ([]api.Snapshot, error) { return snaps(1000), nil }}
	d := &fakeDialer{}
	first := newFakeStream()
	d.queue(first)

	a := New(f, d.dial, testOptions())
	start(t, a)
	waitFor(t, a, connectedWith(1000))

	first.feed <- snap(2000)
	waitFor(t, a, connectedWith(1000, 2000))

	_ = first.Close()
	st := waitFor(t, a, func(st State) bool { return !st.IsConnected })
	assert.Equal(t, []int64{1000, 2000}, timestamps(st.Data))
	assert.NotEmpty(t, st.Error)

	// Failed redials keep retrying until a stream is available
	require.Eventually(t, func() bool { return d.dialCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	second := newFakeStream()
	d.queue(second)
	waitFor(t, a, func(st State) bool { return st.IsConnected && st.Error == "" })

	second.feed <- snap(3000)
	waitFor(t, a, connectedWith(1000, 2000, 3000))
}

func TestHistoricalWindowReplacesBufferAndPausesTail(t *testing.T) {
	now := fixedNow.UnixMilli()
	f := &fakeFetcher{
		last: func(int) ([]api.Snapshot, error) { return snaps(now-2000, now-1000, now), nil },
		rng: func(from, to int64) ([]api.Snapshot, error) {
			return snaps(from, from+1000, to), nil
		},
	}
	d := &fakeDialer{}
	stream := newFakeStream()
	d.queue(stream)

	a := New(f, d.dial, testOptions())
	a.nowFunc = func() time.Time { return fixedNow }
	start(t, a)
	waitFor(t, a, connectedWith(now-2000, now-1000, now))

	a.Requery(Window{Width: time.Minute, EndOffset: time.Hour})
	to := now - time.Hour.Milliseconds()
	from := to - time.Minute.Milliseconds()
	st := waitFor(t, a, func(st State) bool { return !st.Live && !st.IsLoading && len(st.Data) == 3 })
	assert.Equal(t, []int64{from, from + 1000, to}, timestamps(st.Data))

	_, rangeCalls := f.calls()
	assert.Equal(t, [][2]int64{{from, to}}, rangeCalls)

	// Live samples do not leak into a historical window
	stream.feed <- snap(now + 1000)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []int64{from, from + 1000, to}, timestamps(a.State().Data))
}

func TestReturnToLiveRefetchesWithoutDuplicates(t *testing.T) {
	now := fixedNow.UnixMilli()
	f := &fakeFetcher{
		last: func(int) ([]api.Snapshot, error) { return snaps(now-1000, now), nil },
		rng:  func(from, to int64) ([]api.Snapshot, error) { return snaps(from, to), nil },
	}
	d := &fakeDialer{}
	stream := newFakeStream()
	d.queue(stream)

	a := New(f, d.dial, testOptions())
	a.nowFunc = func() time.Time { return fixedNow }
	start(t, a)
	waitFor(t, a, connectedWith(now-1000, now))

	a.Requery(Window{Width: time.Minute, EndOffset: time.Hour})
	waitFor(t, a, func(st State) bool { return !st.Live && !st.IsLoading })

	a.Requery(Window{Width: 5 * time.Minute})
	st := waitFor(t, a, func(st State) bool { return st.Live && !st.IsLoading })
	assert.Equal(t, []int64{now - 1000, now}, timestamps(st.Data))

	lastCalls, _ := f.calls()
	assert.Equal(t, []int{300, 300}, lastCalls)

	stream.feed <- snap(now)
	stream.feed <- snap(now + 1000)
	st = waitFor(t, a, connectedWith(now-1000, now, now+1000))
	for i := 1; i < len(st.Data); i++ {
		assert.Greater(t, st.Data[i].Timestamp, st.Data[i-1].Timestamp)
	}
}

func TestRequeryDebounceLastWins(t *testing.T) {
	now := fixedNow.UnixMilli()
	f := &fakeFetcher{}
	d := &fakeDialer{}
	d.queue(newFakeStream())

	opts := testOptions()
	opts.Debounce = 50 * time.Millisecond
	a := New(f, d.dial, opts)
	a.nowFunc = func() time.Time { return fixedNow }
	start(t, a)
	waitFor(t, a, func(st State) bool { return st.IsConnected })

	for i := 1; i <= 5; i++ {
		a.Requery(Window{Width: time.Minute, EndOffset: time.Duration(i) * time.Hour})
	}

	waitFor(t, a, func(st State) bool { return st.Window.EndOffset == 5*time.Hour && !st.IsLoading })
	time.Sleep(80 * time.Millisecond)

	_, rangeCalls := f.calls()
	require.Len(t, rangeCalls, 1)
	to := now - 5*time.Hour.Milliseconds()
	assert.Equal(t, [2]int64{to - time.Minute.Milliseconds(), to}, rangeCalls[0])
}

func TestLiveSamplesDuringRefetchAreMerged(t *testing.T) {
	now := fixedNow.UnixMilli()
	f := &fakeFetcher{
		last: func(seconds int) ([]api.Snapshot, error) {
			if seconds == 300 {
				return snaps(now), nil
			}
			return snaps(now-2000, now-1000, now, now+1000), nil
		},
	}
	d := &fakeDialer{}
	stream := newFakeStream()
	d.queue(stream)

	a := New(f, d.dial, testOptions())
	a.nowFunc = func() time.Time { return fixedNow }
	start(t, a)
	waitFor(t, a, connectedWith(now))

	gate := make(chan struct{})
	f.setGate(gate)
	// Widening past the buffer forces a fetch
	a.Requery(Window{Width: time.Hour})
	waitFor(t, a, func(st State) bool { return st.IsLoading })

	stream.feed <- snap(now + 1000)
	stream.feed <- snap(now + 2000)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []int64{now}, timestamps(a.State().Data))

	close(gate)
	st := waitFor(t, a, func(st State) bool { return !st.IsLoading })
	assert.Equal(t, []int64{now - 2000, now - 1000, now, now + 1000, now + 2000}, timestamps(st.Data))
	assert.Equal(t, int(time.Hour/time.Second)+DefaultBoundSlack, a.ring.Cap())
}

func TestNarrowingLiveWindowUsesBuffer(t *testing.T) {
	now := fixedNow.UnixMilli()
	f := &fakeFetcher{last: func(int) ([]api.Snapshot, error) {
		return snaps(now-9000, now-8000, now-7000, now-6000, now-5000, now-4000, now-3000, now-2000, now-1000, now), nil
	}}
	d := &fakeDialer{}
	d.queue(newFakeStream())

	opts := testOptions()
	opts.BoundSlack = 1
	a := New(f, d.dial, opts)
	a.nowFunc = func() time.Time { return fixedNow }
	start(t, a)
	waitFor(t, a, func(st State) bool { return st.IsConnected && len(st.Data) == 10 })

	a.Requery(Window{Width: 3 * time.Second})
	st := waitFor(t, a, func(st State) bool { return st.Window.Width == 3*time.Second })
	assert.Equal(t, []int64{now - 3000, now - 2000, now - 1000, now}, timestamps(st.Data))

	lastCalls, _ := f.calls()
	assert.Equal(t, []int{300}, lastCalls)
}

func TestHistoricalWindowCutFromBuffer(t *testing.T) {
	now := fixedNow.UnixMilli()
	f := &fakeFetcher{last: func(int) ([]api.Snapshot, error) {
		return snaps(now-5000, now-4000, now-3000, now-2000, now-1000, now), nil
	}}
	d := &fakeDialer{}
	d.queue(newFakeStream())

	a := New(f, d.dial, testOptions())
	a.nowFunc = func() time.Time { return fixedNow }
	start(t, a)
	waitFor(t, a, func(st State) bool { return st.IsConnected && len(st.Data) == 6 })

	a.Requery(Window{Width: 2 * time.Second, EndOffset: 2 * time.Second})
	st := waitFor(t, a, func(st State) bool { return !st.Live })
	assert.Equal(t, []int64{now - 4000, now - 3000, now - 2000}, timestamps(st.Data))

	_, rangeCalls := f.calls()
	assert.Empty(t, rangeCalls)
}

func TestFetchFailureKeepsBufferAndWindow(t *testing.T) {
	now := fixedNow.UnixMilli()
	release := make(chan struct{})
	f := &fakeFetcher{
		last: func(int) ([]api.Snapshot, error) { return snaps(now), nil },
		rng: func(int64, int64) ([]api.Snapshot, error) {
			<-release
			return nil, errors.New("status 500")
		},
	}
	d := &fakeDialer{}
	stream := newFakeStream()
	d.queue(stream)

	a := New(f, d.dial, testOptions())
	a.nowFunc = func() time.Time { return fixedNow }
	start(t, a)
	waitFor(t, a, connectedWith(now))

	a.Requery(Window{Width: time.Minute, EndOffset: time.Hour})
	waitFor(t, a, func(st State) bool { return st.IsLoading })

	// Arrives while the historical fetch is in flight
	stream.feed <- snap(now + 1000)
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.pending) == 1
	}, 2*time.Second, 5*time.Millisecond)
	close(release)

	st := waitFor(t, a, func(st State) bool { return st.Error != "" && !st.IsLoading })
	assert.Contains(t, st.Error, "status 500")
	assert.True(t, st.Live)
	assert.Equal(t, Window{Width: 300 * time.Second}, st.Window)
	assert.Equal(t, []int64{now, now + 1000}, timestamps(st.Data))

	// The tail keeps following once the failed request is abandoned
	stream.feed <- snap(now + 2000)
	waitFor(t, a, connectedWith(now, now+1000, now+2000))
}

func TestSeedFailureStillFollowsLive(t *testing.T) {
	f := &fakeFetcher{last: func(int) ([]api.Snapshot, error) { return nil, errors.New("connection refused") }}
	d := &fakeDialer{}
	stream := newFakeStream()
	d.queue(stream)

	a := New(f, d.dial, testOptions())
	assert.True(t, a.State().IsLoading)
	start(t, a)

	st := waitFor(t, a, func(st State) bool { return st.IsConnected })
	assert.False(t, st.IsLoading)

	stream.feed <- snap(1000)
	waitFor(t, a, connectedWith(1000))
}

func TestStripPeers(t *testing.T) {
	f := &fakeFetcher{last: func(int) ([]api.Snapshot, error) { return snaps(1000), nil }}
	d := &fakeDialer{}
	stream := newFakeStream()
	d.queue(stream)

	opts := testOptions()
	opts.StripPeers = true
	a := New(f, d.dial, opts)
	start(t, a)
	waitFor(t, a, connectedWith(1000))
	stream.feed <- snap(2000)

	st := waitFor(t, a, connectedWith(1000, 2000))
	for _, s := range st.Data {
		require.Len(t, s.Details, 1)
		assert.Empty(t, s.Details[0].Peers)
		assert.Equal(t, int64(10), s.Details[0].Upload)
	}
}

func TestRunTwice(t *testing.T) {
	d := &fakeDialer{}
	a := New(&fakeFetcher{}, d.dial, testOptions())
	start(t, a)
	require.Eventually(t, func() bool { return d.dialCount() > 0 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, a.Run(context.Background()), ErrAlreadyRunning)
}

func TestChangesSignals(t *testing.T) {
	f := &fakeFetcher{last: func(int) ([]api.Snapshot, error) { return snaps(1000), nil }}
	d := &fakeDialer{}
	d.queue(newFakeStream())

	a := New(f, d.dial, testOptions())
	start(t, a)

	select {
	case <-a.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("no change signal after seeding")
	}
}

func TestBoundFor(t *testing.T) {
	a := New(&fakeFetcher{}, (&fakeDialer{}).dial, Options{MaxBound: 100, BoundSlack: 5})
	assert.Equal(t, 65, a.boundFor(Window{Width: time.Minute}))
	assert.Equal(t, 100, a.boundFor(Window{Width: time.Hour}))
	assert.Equal(t, 5, a.boundFor(Window{Width: 0}))
}

func TestSecondsFor(t *testing.T) {
	assert.Equal(t, 1, secondsFor(0))
	assert.Equal(t, 2, secondsFor(1500*time.Millisecond))
	assert.Equal(t, api.MaxQuerySeconds, secondsFor(48*time.Hour))
}
