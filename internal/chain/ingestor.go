package chain

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"keyquorum/internal/monitor"
)

// EventHandler receives normalized RunRequested events. Delivery is
// at-least-once; handlers must be idempotent.
type EventHandler interface {
	HandleRunRequested(ctx context.Context, event *RunRequestedEvent) error
}

// LogClient is the slice of the RPC client the ingestor needs.
type LogClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, address, topic0 string, from, to uint64) ([]Log, error)
	NewLogFilter(ctx context.Context, address, topic0 string) (string, error)
	FilterChanges(ctx context.Context, filterID string) ([]Log, error)
	UninstallFilter(ctx context.Context, filterID string)
	BlockTimestamp(ctx context.Context, number uint64) (time.Time, error)
}

// Interval between filter drains while streaming. Polling while degraded
// uses the configured poll interval instead.
const streamDrainInterval = 2 * time.Second

// Ingestor subscribes to RunRequested logs. It starts on the push
// transport (a server-side log filter) when enabled and downgrades to
// block-range polling exactly once on a capacity or connectivity failure.
// The downgrade is one-way: it never re-upgrades on its own.
type Ingestor struct {
	client       LogClient
	contract     string
	handler      EventHandler
	pollInterval time.Duration
	pushEnabled  bool
	metrics      *monitor.Metrics

	degraded  atomic.Bool
	filterID  string
	lastBlock uint64

	started  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewIngestor builds an ingestor for the contract's RunRequested stream.
func NewIngestor(client LogClient, contract string, handler EventHandler, pollInterval time.Duration, pushEnabled bool, metrics *monitor.Metrics) *Ingestor {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Ingestor{
		client:       client,
		contract:     contract,
		handler:      handler,
		pollInterval: pollInterval,
		pushEnabled:  pushEnabled,
		metrics:      metrics,
		done:         make(chan struct{}),
	}
}

// Degraded reports whether the ingestor has downgraded to polling.
func (in *Ingestor) Degraded() bool {
	return in.degraded.Load()
}

// Start launches the subscription loop. Events older than the current
// head at start time are not replayed.
func (in *Ingestor) Start(ctx context.Context) error {
	if !in.started.CompareAndSwap(false, true) {
		return nil
	}

	head, err := in.client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	in.lastBlock = head

	if in.pushEnabled {
		filterID, err := in.client.NewLogFilter(ctx, in.contract, RunRequestedTopic())
		if err != nil {
			log.Warn().Err(err).Msg("installing log filter failed, starting degraded")
			in.markDegraded()
		} else {
			in.filterID = filterID
			log.Info().Str("filter", filterID).Msg("run request ingestor streaming")
		}
	} else {
		in.markDegraded()
	}

	in.wg.Add(1)
	go in.loop(ctx)
	return nil
}

// Stop cancels the subscription. Safe to call repeatedly and before
// Start.
func (in *Ingestor) Stop() {
	in.stopOnce.Do(func() { close(in.done) })
	in.wg.Wait()

	if in.filterID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		in.client.UninstallFilter(ctx, in.filterID)
		in.filterID = ""
	}
	log.Info().Msg("run request ingestor stopped")
}

func (in *Ingestor) loop(ctx context.Context) {
	defer in.wg.Done()

	for {
		interval := streamDrainInterval
		if in.degraded.Load() {
			interval = in.pollInterval
		}

		select {
		case <-in.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if in.degraded.Load() {
			in.pollOnce(ctx)
		} else {
			in.streamOnce(ctx)
		}
	}
}

// streamOnce drains the push filter; any transport failure triggers the
// one-way downgrade.
func (in *Ingestor) streamOnce(ctx context.Context) {
	logs, err := in.client.FilterChanges(ctx, in.filterID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Bool("rate_limited", IsRateLimited(err)).
			Msg("push transport failed, downgrading to polling")
		in.markDegraded()
		return
	}
	in.processBatch(ctx, logs, "push")
}

func (in *Ingestor) pollOnce(ctx context.Context) {
	head, err := in.client.BlockNumber(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("reading block number failed")
		return
	}
	if head <= in.lastBlock {
		return
	}

	logs, err := in.client.GetLogs(ctx, in.contract, RunRequestedTopic(), in.lastBlock+1, head)
	if err != nil {
		log.Warn().Err(err).Uint64("from", in.lastBlock+1).Uint64("to", head).
			Msg("polling logs failed")
		return
	}
	in.lastBlock = head
	in.processBatch(ctx, logs, "poll")
}

// processBatch handles one delivered batch oldest-first. Malformed logs
// are skipped; timestamp resolution failures fall back to ingestion time.
// Neither aborts the batch.
func (in *Ingestor) processBatch(ctx context.Context, logs []Log, transport string) {
	if len(logs) == 0 {
		return
	}

	sort.SliceStable(logs, func(i, j int) bool {
		a, errA := parseQuantity(logs[i].BlockNumber)
		b, errB := parseQuantity(logs[j].BlockNumber)
		if errA != nil || errB != nil {
			return false
		}
		return a < b
	})

	timestamps := make(map[uint64]time.Time)
	for _, l := range logs {
		if l.Removed {
			continue
		}

		event, err := DecodeRunRequested(l)
		if err != nil {
			in.metrics.RecordEvent(transport, "malformed")
			log.Warn().Err(err).Str("tx", l.TxHash).Msg("skipping malformed RunRequested log")
			continue
		}

		event.RequestedAt = in.resolveTimestamp(ctx, event.BlockNumber, timestamps)
		if event.BlockNumber > in.lastBlock {
			// Keeps the polling window tight if a downgrade follows.
			in.lastBlock = event.BlockNumber
		}

		if err := in.handler.HandleRunRequested(ctx, event); err != nil {
			in.metrics.RecordEvent(transport, "handler_error")
			log.Error().Err(err).Str("run_id", event.RunID()).Msg("handling run request failed")
			continue
		}
		in.metrics.RecordEvent(transport, "ok")
	}
}

func (in *Ingestor) resolveTimestamp(ctx context.Context, block uint64, cache map[uint64]time.Time) time.Time {
	if ts, ok := cache[block]; ok {
		return ts
	}
	ts, err := in.client.BlockTimestamp(ctx, block)
	if err != nil {
		log.Warn().Err(err).Uint64("block", block).Msg("resolving block timestamp failed, using ingestion time")
		ts = time.Now().UTC()
	}
	cache[block] = ts
	return ts
}

func (in *Ingestor) markDegraded() {
	if in.degraded.CompareAndSwap(false, true) {
		in.metrics.TransportState.Set(1)
		log.Info().Dur("poll_interval", in.pollInterval).Msg("run request ingestor polling")
	}
}
