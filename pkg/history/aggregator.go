// Package history keeps a bounded, time-ordered view of lookout snapshots
// for a client: a historical fetch stitched to the live stream, re-fetched
// when the caller pans or zooms to another window.
package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	api "shadmission/pkg/api/monitor"
	monitorclient "shadmission/pkg/clients/monitor"
	"shadmission/pkg/logging"
)

// ErrAlreadyRunning is returned by a second call to Run
var ErrAlreadyRunning = errors.New("history: aggregator already running")

// Fetcher is the historical query side of the lookout API
type Fetcher interface {
	Last(ctx context.Context, seconds int) (api.LastResponse, error)
	Range(ctx context.Context, from, to int64) (api.RangeResponse, error)
}

// LiveStream yields live snapshots until it fails or is closed
type LiveStream interface {
	Next() (api.Snapshot, error)
	Close() error
}

// DialFunc opens a live stream
type DialFunc func(ctx context.Context) (LiveStream, error)

// Window selects what the caller wants to see: Width of history ending
// EndOffset before now. EndOffset zero means follow the live tail.
type Window struct {
	Width     time.Duration
	EndOffset time.Duration
}

// Live reports whether the window tracks the live tail
func (w Window) Live() bool { return w.EndOffset == 0 }

// State is a consistent copy of the aggregator's view
type State struct {
	Data        []api.Snapshot
	Window      Window
	Live        bool
	IsConnected bool
	IsLoading   bool
	Error       string
}

type Options struct {
	// InitialSeconds is the width of the seed window
	InitialSeconds int
	// SampleInterval is the server tick, used to size the buffer
	SampleInterval time.Duration
	// MaxBound caps the buffer whatever the window width
	MaxBound int
	// BoundSlack is added to the samples a window should hold
	BoundSlack     int
	Debounce       time.Duration
	ReconnectDelay time.Duration
	// StripPeers drops peer lists on ingest
	StripPeers bool
	Logger     logging.Logger
}

const (
	DefaultInitialSeconds = 300
	DefaultSampleInterval = time.Second
	DefaultMaxBound       = api.MaxQuerySeconds
	DefaultBoundSlack     = 5
	DefaultDebounce       = 500 * time.Millisecond
	DefaultReconnectDelay = 3 * time.Second
)

func (o Options) withDefaults() Options {
	if o.InitialSeconds <= 0 {
		o.InitialSeconds = DefaultInitialSeconds
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = DefaultSampleInterval
	}
	if o.MaxBound <= 0 {
		o.MaxBound = DefaultMaxBound
	}
	if o.BoundSlack < 0 {
		o.BoundSlack = 0
	} else if o.BoundSlack == 0 {
		o.BoundSlack = DefaultBoundSlack
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.Logger == nil {
		o.Logger = logging.NewDiscardLogger()
	}
	return o
}

// Aggregator merges one historical fetch with the live stream into a single
// ascending, duplicate-free buffer.
type Aggregator struct {
	fetcher Fetcher
	dial    DialFunc
	opts    Options
	logger  logging.Logger
	nowFunc func() time.Time
	running atomic.Bool

	requests chan struct{}
	changes  chan struct{}

	mu          sync.Mutex
	ring        *Ring[api.Snapshot]
	window      Window
	requested   *Window
	fetching    bool
	pending     []api.Snapshot
	isConnected bool
	isLoading   bool
	errMsg      string
}

func New(fetcher Fetcher, dial DialFunc, opts Options) *Aggregator {
	opts = opts.withDefaults()
	a := &Aggregator{
		fetcher:  fetcher,
		dial:     dial,
		opts:     opts,
		logger:   opts.Logger,
		nowFunc:  time.Now,
		requests: make(chan struct{}, 1),
		changes:  make(chan struct{}, 1),
		window:   Window{Width: time.Duration(opts.InitialSeconds) * time.Second},
		// Loading until the seed fetch lands
		isLoading: true,
	}
	a.ring = NewRing[api.Snapshot](a.boundFor(a.window))
	return a
}

// NewFromClient wires an Aggregator to a lookout client
func NewFromClient(c *monitorclient.Client, opts Options) *Aggregator {
	dial := func(ctx context.Context) (LiveStream, error) {
		s, err := c.Stream(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return New(c, dial, opts)
}

// boundFor sizes the buffer for w: the samples w spans plus slack, capped
func (a *Aggregator) boundFor(w Window) int {
	samples := int64(w.Width / a.opts.SampleInterval)
	bound := samples + int64(a.opts.BoundSlack)
	if bound > int64(a.opts.MaxBound) {
		return a.opts.MaxBound
	}
	if bound < 1 {
		return 1
	}
	return int(bound)
}

// Changes signals after every state change. Signals coalesce; read State
// for the current view.
func (a *Aggregator) Changes() <-chan struct{} {
	return a.changes
}

func (a *Aggregator) notify() {
	select {
	case a.changes <- struct{}{}:
	default:
	}
}

// State returns a copy of the current view
func (a *Aggregator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{
		Data:        a.ring.Slice(),
		Window:      a.window,
		Live:        a.window.Live(),
		IsConnected: a.isConnected,
		IsLoading:   a.isLoading,
		Error:       a.errMsg,
	}
}

// Requery asks for a different window. Requests within the debounce period
// coalesce and only the last one is applied.
func (a *Aggregator) Requery(w Window) {
	if w.Width <= 0 {
		w.Width = time.Duration(a.opts.InitialSeconds) * time.Second
	}
	if w.EndOffset < 0 {
		w.EndOffset = 0
	}

	a.mu.Lock()
	a.requested = &w
	a.mu.Unlock()

	select {
	case a.requests <- struct{}{}:
	default:
	}
}

// Run seeds the buffer, follows the live stream and serves re-queries until
// ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	a.seed(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.followLive(ctx)
	}()
	defer wg.Wait()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.requests:
			if timer == nil {
				timer = time.NewTimer(a.opts.Debounce)
			} else {
				timer.Reset(a.opts.Debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			a.mu.Lock()
			w := a.requested
			a.requested = nil
			a.mu.Unlock()
			if w != nil {
				a.apply(ctx, *w)
			}
		}
	}
}

func (a *Aggregator) seed(ctx context.Context) {
	resp, err := a.fetcher.Last(ctx, a.opts.InitialSeconds)

	a.mu.Lock()
	defer a.mu.Unlock()
	defer a.notify()

	a.isLoading = false
	if err != nil {
		a.errMsg = fmt.Sprintf("load snapshots: %v", err)
		a.logger.WithError(err).Warn("Initial snapshot fetch failed")
		return
	}
	a.errMsg = ""
	a.ring.Reset(a.ingestable(resp.Snapshots))
}

// apply switches to w. A live window is re-fetched unless the buffer was
// already following the tail and reaches back far enough. A historical
// window is cut from the buffer when fully covered, otherwise fetched.
// Fetched data replaces the buffer. A failed fetch keeps both the buffer and
// the window it belongs to.
func (a *Aggregator) apply(ctx context.Context, w Window) {
	now := a.nowFunc().UnixMilli()
	to := now - w.EndOffset.Milliseconds()
	from := to - w.Width.Milliseconds()

	a.mu.Lock()
	prev := a.window
	wasLive := prev.Live()
	a.window = w
	bound := a.boundFor(w)

	first, hasFirst := a.ring.First()
	last, hasLast := a.ring.Last()
	covered := hasFirst && first.Timestamp <= from
	if !w.Live() {
		covered = covered && hasLast && last.Timestamp >= to
	} else {
		covered = covered && wasLive
	}

	if covered {
		if w.Live() {
			a.ring.Resize(bound)
		} else {
			a.ring.Reset(between(a.ring.Slice(), from, to))
			a.ring.Resize(bound)
		}
		a.mu.Unlock()
		a.notify()
		return
	}

	a.fetching = true
	a.pending = nil
	a.isLoading = true
	a.mu.Unlock()
	a.notify()

	var fetched []api.Snapshot
	var err error
	if w.Live() {
		var resp api.LastResponse
		resp, err = a.fetcher.Last(ctx, secondsFor(w.Width))
		fetched = resp.Snapshots
	} else {
		var resp api.RangeResponse
		resp, err = a.fetcher.Range(ctx, from, to)
		fetched = resp.Snapshots
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	defer a.notify()

	a.fetching = false
	a.isLoading = false
	pending := a.pending
	a.pending = nil

	if err != nil {
		if ctx.Err() == nil {
			a.errMsg = fmt.Sprintf("load snapshots: %v", err)
			a.logger.WithError(err).WithFields(logging.Fields{
				"width":      w.Width.String(),
				"end_offset": w.EndOffset.String(),
			}).Warn("Window fetch failed")
		}
		// The buffer still holds the previous window's data
		a.window = prev
		a.ring.Resize(a.boundFor(prev))
	} else {
		a.errMsg = ""
		a.ring.Resize(bound)
		a.ring.Reset(a.ingestable(fetched))
	}

	// Samples that arrived during the fetch extend the tail when the
	// resulting window is live
	if a.window.Live() {
		for _, s := range pending {
			a.appendLive(s)
		}
	}
}

// ingestable drops peers if configured and keeps only strictly increasing
// timestamps
func (a *Aggregator) ingestable(snaps []api.Snapshot) []api.Snapshot {
	out := make([]api.Snapshot, 0, len(snaps))
	var prev int64 = math.MinInt64
	for _, s := range snaps {
		if s.Timestamp <= prev {
			continue
		}
		prev = s.Timestamp
		if a.opts.StripPeers {
			s = s.WithoutPeers()
		}
		out = append(out, s)
	}
	return out
}

// appendLive pushes s onto the tail if it is newer than the tail. Caller
// holds mu.
func (a *Aggregator) appendLive(s api.Snapshot) bool {
	if last, ok := a.ring.Last(); ok && s.Timestamp <= last.Timestamp {
		return false
	}
	a.ring.Push(s)
	return true
}

func (a *Aggregator) ingest(s api.Snapshot) {
	if a.opts.StripPeers {
		s = s.WithoutPeers()
	}

	a.mu.Lock()
	if a.fetching {
		a.pending = append(a.pending, s)
		a.mu.Unlock()
		return
	}
	if !a.window.Live() {
		a.mu.Unlock()
		return
	}
	added := a.appendLive(s)
	a.mu.Unlock()

	if added {
		a.notify()
	}
}

func (a *Aggregator) setConnected(connected bool, errMsg string) {
	a.mu.Lock()
	a.isConnected = connected
	if errMsg != "" || connected {
		a.errMsg = errMsg
	}
	a.mu.Unlock()
	a.notify()
}

// followLive keeps a live stream open, redialing after ReconnectDelay. The
// buffer is kept across disconnects.
func (a *Aggregator) followLive(ctx context.Context) {
	for {
		stream, err := a.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.WithError(err).Debug("Live stream dial failed")
			a.setConnected(false, fmt.Sprintf("live stream: %v", err))
		} else {
			a.setConnected(true, "")
			err = a.consume(ctx, stream)
			if ctx.Err() != nil {
				a.setConnected(false, "")
				return
			}
			a.logger.WithError(err).Info("Live stream disconnected, reconnecting")
			a.setConnected(false, fmt.Sprintf("live stream: %v", err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(a.opts.ReconnectDelay):
		}
	}
}

func (a *Aggregator) consume(ctx context.Context, stream LiveStream) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = stream.Close()
		case <-done:
		}
	}()
	defer stream.Close()

	for {
		s, err := stream.Next()
		if err != nil {
			return err
		}
		a.ingest(s)
	}
}

func between(snaps []api.Snapshot, from, to int64) []api.Snapshot {
	out := make([]api.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		if s.Timestamp >= from && s.Timestamp <= to {
			out = append(out, s)
		}
	}
	return out
}

func secondsFor(width time.Duration) int {
	s := int(math.Ceil(width.Seconds()))
	if s < 1 {
		return 1
	}
	if s > api.MaxQuerySeconds {
		return api.MaxQuerySeconds
	}
	return s
}
