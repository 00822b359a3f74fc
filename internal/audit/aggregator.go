// Package audit rebuilds the consent audit log by polling the ledger's
// event history over a sliding block window.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"golang.org/x/sync/errgroup"

	"github.com/starford/healthvault/internal/metrics"
	"github.com/starford/healthvault/internal/models"
)

const (
	DefaultWindow   = 100
	DefaultLimit    = 50
	DefaultInterval = 30 * time.Second
)

// State is the aggregator lifecycle state.
type State int32

const (
	Idle State = iota
	Polling
)

func (s State) String() string {
	if s == Polling {
		return "polling"
	}
	return "idle"
}

// Source is the part of the ledger client the aggregator reads.
type Source interface {
	Instance(ctx context.Context) (string, error)
	LatestBlock(ctx context.Context) (uint64, error)
	Events(ctx context.Context, kind models.EventKind, fromBlock, toBlock uint64) ([]models.LedgerEvent, error)
}

// Sink receives newly admitted entries in ascending ledger order.
type Sink func(ctx context.Context, events []models.AuditEvent) error

// Status summarises the last poll.
type Status struct {
	State     string    `json:"state"`
	Ledger    string    `json:"ledger,omitempty"`
	HeadBlock uint64    `json:"head_block"`
	FromBlock uint64    `json:"from_block"`
	LastPoll  time.Time `json:"last_poll,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Entries   int       `json:"entries"`
}

// Aggregator merges overlapping poll results into a bounded, deduplicated
// log. Entries are keyed by kind plus ledger sequence, so an event returned
// by several polls is admitted once.
type Aggregator struct {
	source   Source
	window   uint64
	limit    int
	interval time.Duration
	sinks    []Sink
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	state atomic.Int32

	mu       sync.Mutex
	instance string            // ledger the seen set and log belong to
	seen     map[string]uint64 // key -> block number
	log      []models.AuditEvent
	status   Status
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithWindow sets how many blocks behind the head each poll looks.
func WithWindow(n uint64) Option { return func(a *Aggregator) { a.window = n } }

// WithLimit bounds the exposed log.
func WithLimit(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.limit = n
		}
	}
}

// WithInterval sets the poll period used by Run.
func WithInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithSink adds a receiver for new entries.
func WithSink(s Sink) Option { return func(a *Aggregator) { a.sinks = append(a.sinks, s) } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Aggregator) { a.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(a *Aggregator) { a.metrics = m } }

// WithClock overrides the time source for entry timestamps.
func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

// New builds an idle aggregator.
func New(src Source, opts ...Option) *Aggregator {
	a := &Aggregator{
		source:   src,
		window:   DefaultWindow,
		limit:    DefaultLimit,
		interval: DefaultInterval,
		logger:   slog.Default(),
		now:      time.Now,
		seen:     make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the current lifecycle state.
func (a *Aggregator) State() State { return State(a.state.Load()) }

// Run polls on the configured interval until ctx is cancelled. A failed
// poll is logged and retried on the next tick.
func (a *Aggregator) Run(ctx context.Context) error {
	s := gocron.NewScheduler(time.UTC)
	s.SetMaxConcurrentJobs(1, gocron.WaitMode)
	if _, err := s.Every(a.interval).SingletonMode().Do(func() { a.tick(ctx) }); err != nil {
		return fmt.Errorf("audit: schedule poll: %w", err)
	}

	a.state.Store(int32(Polling))
	a.logger.Info("audit: polling started",
		slog.Duration("interval", a.interval),
		slog.Uint64("window", a.window))
	s.StartAsync()

	<-ctx.Done()
	s.Stop()
	a.state.Store(int32(Idle))
	a.logger.Info("audit: polling stopped")
	return nil
}

func (a *Aggregator) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	pollCtx, cancel := context.WithTimeout(ctx, a.interval)
	defer cancel()
	if _, err := a.Poll(pollCtx); err != nil && ctx.Err() == nil {
		a.logger.Error("audit: poll failed", slog.String("error", err.Error()))
	}
}

// Poll runs one query over [head-window, head] for every tracked kind and
// returns the entries it admitted. Entries from a previous ledger instance
// are discarded before the query, since their sequence numbers are reused.
func (a *Aggregator) Poll(ctx context.Context) (added []models.AuditEvent, err error) {
	var head, from uint64
	defer func() {
		a.recordPoll(head, from, added, err)
	}()

	instance, err := a.source.Instance(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: ledger instance: %w", err)
	}
	a.bind(instance)

	head, err = a.source.LatestBlock(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: latest block: %w", err)
	}
	if head > a.window {
		from = head - a.window
	}

	results := make([][]models.LedgerEvent, len(models.TrackedEventKinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range models.TrackedEventKinds {
		g.Go(func() error {
			evs, err := a.source.Events(gctx, kind, from, head)
			if err != nil {
				return fmt.Errorf("audit: %s events: %w", kind, err)
			}
			results[i] = evs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []models.LedgerEvent
	for _, evs := range results {
		merged = append(merged, evs...)
	}
	added = a.Ingest(ctx, merged)
	a.prune(from)
	return added, nil
}

// Ingest admits events not seen before, in ascending ledger order, and
// hands them to the sinks. It is what Poll does with a merged result set.
func (a *Aggregator) Ingest(ctx context.Context, events []models.LedgerEvent) []models.AuditEvent {
	sorted := append([]models.LedgerEvent(nil), events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	now := a.now().UTC()
	a.mu.Lock()
	var fresh []models.AuditEvent
	for _, ev := range sorted {
		key := ev.Key()
		if _, ok := a.seen[key]; ok {
			continue
		}
		a.seen[key] = ev.BlockNumber
		fresh = append(fresh, models.AuditEvent{Timestamp: now, Kind: ev.Kind, Ledger: a.instance, Details: ev})
	}
	if len(fresh) > 0 {
		a.log = append(a.log, fresh...)
		a.trim()
	}
	a.mu.Unlock()

	if len(fresh) > 0 {
		for _, sink := range a.sinks {
			if err := sink(ctx, fresh); err != nil {
				a.logger.Warn("audit: sink failed", slog.String("error", err.Error()))
			}
		}
	}
	return fresh
}

// Seed restores previously persisted entries without re-emitting them.
func (a *Aggregator) Seed(entries []models.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range entries {
		key := e.Details.Key()
		if _, ok := a.seen[key]; ok {
			continue
		}
		a.seen[key] = e.Details.BlockNumber
		a.log = append(a.log, e)
	}
	a.trim()
}

// bind switches the aggregator to instance, forgetting keys and entries
// recorded against any other ledger.
func (a *Aggregator) bind(instance string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if instance == a.instance {
		return
	}
	kept := a.log[:0]
	for _, e := range a.log {
		if e.Ledger == instance {
			kept = append(kept, e)
		}
	}
	if dropped := len(a.log) - len(kept); dropped > 0 {
		a.logger.Info("audit: ledger instance changed, dropping stale entries",
			slog.String("ledger", instance),
			slog.Int("dropped", dropped))
	}
	a.log = kept
	a.seen = make(map[string]uint64, len(kept))
	for _, e := range kept {
		a.seen[e.Details.Key()] = e.Details.BlockNumber
	}
	a.instance = instance
	a.status.Ledger = instance
}

// trim orders the log newest first and truncates it. Caller holds a.mu.
func (a *Aggregator) trim() {
	sort.SliceStable(a.log, func(i, j int) bool { return a.log[j].Details.Less(a.log[i].Details) })
	if len(a.log) > a.limit {
		a.log = a.log[:a.limit]
	}
}

// prune forgets keys below the window floor; later polls never reach them.
func (a *Aggregator) prune(floor uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, block := range a.seen {
		if block < floor {
			delete(a.seen, k)
		}
	}
}

// Log returns the exposed entries, most recent first.
func (a *Aggregator) Log() []models.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.AuditEvent{}, a.log...)
}

// Status returns a snapshot of the last poll.
func (a *Aggregator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.status
	st.State = a.State().String()
	st.Entries = len(a.log)
	return st
}

func (a *Aggregator) recordPoll(head, from uint64, added []models.AuditEvent, err error) {
	counts := make(map[string]int)
	for _, e := range added {
		counts[string(e.Kind)]++
	}
	a.metrics.ObservePoll(head, counts, err)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.LastPoll = a.now().UTC()
	if err != nil {
		a.status.LastError = err.Error()
		return
	}
	a.status.LastError = ""
	a.status.HeadBlock = head
	a.status.FromBlock = from
}
