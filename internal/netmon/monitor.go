package netmon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"stocksync/internal/events"
	"stocksync/internal/metrics"
	"stocksync/internal/models"
)

// Prober answers whether the sync endpoint is reachable right now.
type Prober interface {
	Heartbeat(ctx context.Context) error
}

// Monitor tracks connectivity by probing the sync endpoint on a heartbeat
// interval and accepting platform reachability hints via Report. A state
// change is committed and published only after it holds for the dwell
// period, so flapping links do not trigger drain storms.
type Monitor struct {
	prober Prober
	bus    *events.EventBus
	logger zerolog.Logger

	interval time.Duration
	dwell    time.Duration

	online atomic.Bool

	mu             sync.Mutex
	since          time.Time
	candidate      models.NetworkState
	candidateSince time.Time

	reports chan bool

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor constructs a stopped monitor. State is offline until the first
// probe proves otherwise.
func NewMonitor(prober Prober, bus *events.EventBus, interval, dwell time.Duration, logger *zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = models.DefaultHeartbeatInterval
	}
	if dwell <= 0 {
		dwell = models.DefaultDwellTime
	}
	return &Monitor{
		prober:   prober,
		bus:      bus,
		logger:   logger.With().Str("component", "netmon").Logger(),
		interval: interval,
		dwell:    dwell,
		reports:  make(chan bool, 1),
		since:    time.Now(),
	}
}

// Start begins probing. The first probe establishes the baseline state
// immediately; only subsequent changes are debounced.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("network monitor already running")
	}

	ctx, m.cancel = context.WithCancel(ctx)

	if m.probe(ctx) == models.NetworkOnline {
		m.commit(models.NetworkOnline)
	}

	m.wg.Add(1)
	go m.run(ctx)

	m.logger.Info().
		Dur("interval", m.interval).
		Dur("dwell", m.dwell).
		Msg("Network monitor started")
	return nil
}

// Stop halts probing. The last committed state remains readable.
func (m *Monitor) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Info().Msg("Network monitor stopped")
}

// Online reports the committed connectivity state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// State returns the committed state as a label.
func (m *Monitor) State() models.NetworkState {
	if m.online.Load() {
		return models.NetworkOnline
	}
	return models.NetworkOffline
}

// Since returns when the committed state was last entered.
func (m *Monitor) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// Report feeds a platform reachability hint (e.g. the OS connectivity
// callback). Hints go through the same dwell debounce as probe results.
// Never blocks; a hint arriving while one is still queued is dropped, the
// next probe covers it.
func (m *Monitor) Report(online bool) {
	select {
	case m.reports <- online:
	default:
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Armed while a candidate state is waiting out the dwell period, so the
	// confirming observation is not delayed until the next heartbeat.
	var confirm <-chan time.Time

	for {
		var observed models.NetworkState

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			observed = m.probe(ctx)
		case online := <-m.reports:
			observed = models.NetworkOffline
			if online {
				observed = models.NetworkOnline
			}
		case <-confirm:
			confirm = nil
			observed = m.probe(ctx)
		}

		if m.observe(observed) {
			if confirm == nil {
				confirm = time.After(m.dwell)
			}
		} else {
			confirm = nil
		}
	}
}

func (m *Monitor) probe(ctx context.Context) models.NetworkState {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	if err := m.prober.Heartbeat(probeCtx); err != nil {
		m.logger.Debug().Err(err).Msg("Heartbeat probe failed")
		return models.NetworkOffline
	}
	return models.NetworkOnline
}

// observe folds one observation into the debounce state machine. Returns
// true while a candidate change is still waiting out the dwell period.
func (m *Monitor) observe(observed models.NetworkState) bool {
	if observed == m.State() {
		m.mu.Lock()
		m.candidate = ""
		m.candidateSince = time.Time{}
		m.mu.Unlock()
		return false
	}

	m.mu.Lock()
	if m.candidate != observed {
		m.candidate = observed
		m.candidateSince = time.Now()
		m.mu.Unlock()
		return true
	}
	held := time.Since(m.candidateSince)
	m.mu.Unlock()

	if held < m.dwell {
		return true
	}

	m.commit(observed)
	return false
}

func (m *Monitor) commit(state models.NetworkState) {
	m.online.Store(state == models.NetworkOnline)

	m.mu.Lock()
	m.since = time.Now()
	m.candidate = ""
	m.candidateSince = time.Time{}
	since := m.since
	m.mu.Unlock()

	metrics.IncNetworkTransition(string(state))
	m.logger.Info().Str("state", string(state)).Msg("Network state changed")

	if err := m.bus.PublishJSON(events.EventNetworkChanged, events.NetworkChangedPayload{
		State: string(state),
		Since: since,
	}); err != nil {
		m.logger.Error().Err(err).Msg("Failed to publish network change")
	}
}
