package monitoring

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/forwarder"
	"github.com/iobridge/datagate/internal/logging"
	"github.com/iobridge/datagate/internal/metrics"
)

// RuntimeMetrics is the point-in-time view returned by GetRuntimeMetrics.
type RuntimeMetrics struct {
	Timestamp      time.Time      `json:"timestamp"`
	MessageRate    float64        `json:"message_rate"` // messages/s over the 60s window
	ErrorRate      float64        `json:"error_rate"`   // failures/arrivals over the 60s window
	TotalReceived  int64          `json:"total_received"`
	TotalSuccess   int64          `json:"total_success"`
	TotalFailed    int64          `json:"total_failed"`
	TotalPartial   int64          `json:"total_partial"`
	TotalNoTarget  int64          `json:"total_no_target"`
	Resources      ResourceSample `json:"resources"`
}

// Options configures the monitoring service. Zero values take in-process
// defaults: LRU index, discard sink, one-minute resource sampling.
type Options struct {
	Sink           Sink
	Index          Index
	Metrics        *metrics.Collector
	DiskPath       string
	SampleInterval time.Duration
}

// Service keeps the rolling gateway metrics and writes one message-log row
// per envelope. The single mutex guards only constant-time counter work;
// sink I/O runs on tracked background tasks outside the lock.
type Service struct {
	sink    Sink
	index   Index
	metrics *metrics.Collector
	reader  *resourceReader

	mu     sync.Mutex
	window *slidingWindow
	ring   *minuteRing

	// Row ids with an insert still in flight; status updates for a row wait
	// on its channel so the sink never sees an update before the insert.
	inflightMu sync.Mutex
	inflight   map[string]chan struct{}

	totalReceived int64
	totalSuccess  int64
	totalFailed   int64
	totalPartial  int64
	totalNoTarget int64

	sampleInterval time.Duration
	tasks          sync.WaitGroup
	closeCh        chan struct{}
	closeOnce      sync.Once
}

// NewService builds the monitoring service.
func NewService(opts Options) *Service {
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}
	if opts.Index == nil {
		opts.Index = NewLRUIndex(0)
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = time.Minute
	}
	return &Service{
		sink:           opts.Sink,
		index:          opts.Index,
		metrics:        opts.Metrics,
		reader:         newResourceReader(opts.DiskPath),
		window:         newSlidingWindow(time.Minute),
		ring:           &minuteRing{},
		inflight:       make(map[string]chan struct{}),
		sampleInterval: opts.SampleInterval,
		closeCh:        make(chan struct{}),
	}
}

// Start launches the periodic resource sampler.
func (s *Service) Start() {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		ticker := time.NewTicker(s.sampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.closeCh:
				return
			case now := <-ticker.C:
				s.sampleResources(now)
			}
		}
	}()
}

func (s *Service) sampleResources(now time.Time) {
	sample := s.reader.read()

	s.mu.Lock()
	sample.MessageRate, sample.ErrorRate = s.window.rates(now)
	s.ring.sample(now, sample)
	s.mu.Unlock()
}

// RecordRoutingDecision inserts the message-log row for a routed envelope
// with status awaiting_forward, or no_target when routing matched nothing,
// and indexes the row for the later result update.
func (s *Service) RecordRoutingDecision(env *envelope.Envelope, matchedRules, targetIDs []string) {
	now := time.Now()

	status := StatusAwaitingForward
	if len(targetIDs) == 0 {
		status = StatusNoTarget
	}

	rec := &MessageRecord{
		ID:             uuid.NewString(),
		Timestamp:      now,
		MessageID:      env.MessageID,
		SourceProtocol: string(env.SourceProtocol),
		SourceID:       env.DataSourceID,
		SourceAddress:  env.SourceAddress,
		RawData:        env.RawData,
		RawSize:        len(env.RawData),
		ParsedData:     env.ParsedData,
		Status:         status,
		MatchedRules:   matchedRules,
		TargetSystems:  targetIDs,
	}
	if len(env.RawData) > 0 {
		rec.RawDigest = xxhash.Sum64(env.RawData)
	}
	if env.ParseError != "" {
		rec.ErrorMessage = env.ParseError
	}

	s.mu.Lock()
	s.window.recordArrival(now)
	s.ring.addReceived(now)
	s.totalReceived++
	if status == StatusNoTarget {
		s.totalNoTarget++
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.MessageReceived(string(env.SourceProtocol))
		s.metrics.RoutingDecision(status == StatusAwaitingForward)
	}

	// awaiting_forward rows get updated when results arrive
	if status == StatusAwaitingForward {
		s.index.Put(env.MessageID, IndexEntry{RowID: rec.ID, Timestamp: rec.Timestamp})
	}

	s.inflightMu.Lock()
	s.inflight[rec.ID] = make(chan struct{})
	s.inflightMu.Unlock()

	queued := s.spawn(func(ctx context.Context) {
		defer s.releaseInsert(rec.ID)
		if err := s.sink.Insert(ctx, rec); err != nil {
			logging.Warn("message log insert failed",
				zap.String("message_id", rec.MessageID),
				zap.Error(err),
			)
		}
	})
	if !queued {
		s.releaseInsert(rec.ID)
	}
}

// releaseInsert marks the row's insert as settled, releasing any waiting
// status update.
func (s *Service) releaseInsert(rowID string) {
	s.inflightMu.Lock()
	done, ok := s.inflight[rowID]
	delete(s.inflight, rowID)
	s.inflightMu.Unlock()
	if ok {
		close(done)
	}
}

// awaitInsert blocks until the row's insert task has settled or the context
// expires.
func (s *Service) awaitInsert(ctx context.Context, rowID string) {
	s.inflightMu.Lock()
	done, ok := s.inflight[rowID]
	s.inflightMu.Unlock()
	if !ok {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// RecordForwardResults finalizes the indexed row for the envelope with the
// aggregated outcome. A fully failed batch counts as a failure in the 60s
// window; a partial success counts as neither success nor failure there,
// and only the per-minute ring reflects it (as failed).
func (s *Service) RecordForwardResults(env *envelope.Envelope, results []forwarder.Result) {
	now := time.Now()
	status, errMsg, targets := aggregate(results)

	s.mu.Lock()
	switch status {
	case StatusSuccess:
		s.ring.addSuccess(now)
		s.totalSuccess++
	case StatusFailed:
		s.window.recordFailure(now)
		s.ring.addFailed(now)
		s.totalFailed++
	case StatusPartialSuccess:
		s.ring.addFailed(now)
		s.totalPartial++
	}
	s.mu.Unlock()

	if s.metrics != nil {
		for _, r := range results {
			s.metrics.ForwardResult(r.TargetID, string(r.Status), time.Duration(r.DurationMs)*time.Millisecond)
		}
	}

	entry, ok := s.index.Get(env.MessageID)
	if !ok {
		// Unmatched decisions were finalized at insert time with no_target
		// and never indexed; anything else here lost its row.
		if status != StatusNoTarget {
			logging.Warn("forward result for unindexed message",
				zap.String("message_id", env.MessageID),
				zap.String("status", status),
			)
		}
		return
	}
	s.index.Remove(env.MessageID)

	// An indexed row with an empty result set means every matched target was
	// inactive; the row still gets a terminal status.
	if status == StatusNoTarget {
		s.mu.Lock()
		s.totalNoTarget++
		s.mu.Unlock()
	}

	upd := &StatusUpdate{
		RowID:         entry.RowID,
		Timestamp:     entry.Timestamp,
		Status:        status,
		TargetSystems: targets,
		ErrorMessage:  errMsg,
	}
	s.spawn(func(ctx context.Context) {
		s.awaitInsert(ctx, upd.RowID)
		if err := s.sink.Update(ctx, upd); err != nil {
			logging.Warn("message log update failed",
				zap.String("message_id", env.MessageID),
				zap.Error(err),
			)
		}
	})
}

// aggregate folds per-target results into the final processing status, the
// joined error text, and the attempted target list.
func aggregate(results []forwarder.Result) (status, errMsg string, targets []string) {
	if len(results) == 0 {
		return StatusNoTarget, "", nil
	}

	var errs []string
	succeeded, failed := 0, 0
	targets = make([]string, 0, len(results))
	for _, r := range results {
		targets = append(targets, r.TargetID)
		if r.Status == forwarder.StatusSuccess {
			succeeded++
			continue
		}
		failed++
		if r.Error != "" {
			errs = append(errs, r.TargetID+": "+r.Error)
		}
	}

	switch {
	case failed == 0:
		status = StatusSuccess
	case succeeded == 0:
		status = StatusFailed
	default:
		status = StatusPartialSuccess
	}
	return status, strings.Join(errs, "; "), targets
}

// GetRuntimeMetrics returns the current rolling rates, cumulative totals,
// and a fresh resource reading.
func (s *Service) GetRuntimeMetrics() RuntimeMetrics {
	now := time.Now()
	sample := s.reader.read()

	s.mu.Lock()
	defer s.mu.Unlock()
	sample.MessageRate, sample.ErrorRate = s.window.rates(now)
	return RuntimeMetrics{
		Timestamp:     now,
		MessageRate:   sample.MessageRate,
		ErrorRate:     sample.ErrorRate,
		TotalReceived: s.totalReceived,
		TotalSuccess:  s.totalSuccess,
		TotalFailed:   s.totalFailed,
		TotalPartial:  s.totalPartial,
		TotalNoTarget: s.totalNoTarget,
		Resources:     sample,
	}
}

// GetMetricsHistory returns the per-minute series for the trailing minutes,
// sorted ascending.
func (s *Service) GetMetricsHistory(minutes int) []MinutePoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.history(time.Now(), minutes)
}

// spawn runs fn on a tracked task with a bounded deadline so Close can
// drain sink writes. Reports whether the task was accepted; a closing
// service declines new work.
func (s *Service) spawn(fn func(ctx context.Context)) bool {
	select {
	case <-s.closeCh:
		return false
	default:
	}
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		fn(ctx)
	}()
	return true
}

// Close stops the sampler, drains in-flight sink writes, and closes the
// sink.
func (s *Service) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logging.Warn("monitoring tasks still in flight after drain window")
	}
	return s.sink.Close()
}
