package status

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/orrn/fleetd/internal/config"
	"github.com/orrn/fleetd/internal/device"
)

// SnapshotHandler receives normalized snapshots. Called from the
// subscriber's own goroutine; implementations must not block for long.
type SnapshotHandler func(serial string, snap Snapshot)

// Subscriber is the one polling task a device gets. It polls whichever
// status accessors the firmware supports, normalizes the answers, and emits
// a snapshot on material change or after a silent heartbeat interval.
type Subscriber struct {
	creds     device.Credentials
	connector device.Connector
	cfg       config.StatusConfig
	handler   SnapshotHandler

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu   sync.RWMutex
	last *Snapshot
}

func NewSubscriber(creds device.Credentials, connector device.Connector, cfg config.StatusConfig, handler SnapshotHandler) *Subscriber {
	return &Subscriber{
		creds:     creds,
		connector: connector,
		cfg:       cfg,
		handler:   handler,
		stopCh:    make(chan struct{}),
	}
}

func (s *Subscriber) Start() {
	s.wg.Add(1)
	go s.loop()
}

func (s *Subscriber) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Latest returns the most recently emitted snapshot, if any.
func (s *Subscriber) Latest() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Snapshot{}, false
	}
	return *s.last, true
}

func (s *Subscriber) loop() {
	defer s.wg.Done()

	guard := newStallGuard(s.cfg.StallHeartbeats)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		handle, err := s.connector.Dial(s.creds, s.cfg.ConnectTimeout)
		if err != nil {
			log.Printf("[subscriber %s] connect failed: %v (retrying in %v)",
				s.creds.SerialNumber, err, s.cfg.ReconnectDelay)
			if !s.sleep(s.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		adapter := device.NewAdapter(handle, s.creds)
		s.pollUntilFailure(adapter, guard)
		adapter.Disconnect()

		select {
		case <-s.stopCh:
			return
		default:
		}
		if !s.sleep(s.cfg.ReconnectDelay) {
			return
		}
	}
}

// pollUntilFailure runs the poll/emit cycle on one live connection and
// returns when the device stops answering or a stop is requested.
func (s *Subscriber) pollUntilFailure(adapter *device.Adapter, guard *stallGuard) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var lastEmit time.Time

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		snap, ok := s.poll(adapter)
		if !ok {
			log.Printf("[subscriber %s] device stopped answering, reconnecting", s.creds.SerialNumber)
			return
		}

		heartbeat := time.Since(lastEmit) >= s.cfg.HeartbeatInterval
		if guard.observe(snap.Progress, snap.GcodeState, heartbeat) {
			// Prolonged 100% without a terminal gcode state is a stalled
			// job, not a finished one: force the device to stop and report
			// it idle instead of letting observers call it complete.
			log.Printf("[subscriber %s] progress stuck at 100%% for %d heartbeats, forcing stop",
				s.creds.SerialNumber, guard.threshold)
			adapter.InvokeFirst(device.StopCandidates)
			snap.State = "idle"
			snap.GcodeState = "idle"
			snap.Progress = 0
			guard.reset()
		}

		changed := s.materiallyDifferent(snap)
		if changed || heartbeat {
			s.emit(snap)
			lastEmit = time.Now()
		}
	}
}

func (s *Subscriber) poll(adapter *device.Adapter) (Snapshot, bool) {
	rawState, _, okState := adapter.QueryFirst(device.StateCandidates)
	rawPct, _, okPct := adapter.QueryFirst(device.PercentCandidates)
	rawGcode, _, okGcode := adapter.QueryFirst(device.GcodeStateCandidates)

	if !okState && !okPct && !okGcode {
		return Snapshot{}, false
	}

	if !okPct {
		rawPct = nil
	}
	if !okGcode {
		rawGcode = nil
	}

	return Normalize(rawState, rawPct, rawGcode), true
}

func (s *Subscriber) materiallyDifferent(snap Snapshot) bool {
	s.mu.RLock()
	prev := s.last
	s.mu.RUnlock()

	if prev == nil {
		return true
	}
	if snap.State != prev.State || snap.GcodeState != prev.GcodeState {
		return true
	}
	if snap.HMSErrorCode != prev.HMSErrorCode || snap.ErrorMessage != prev.ErrorMessage {
		return true
	}
	if snap.CurrentJobID != prev.CurrentJobID || snap.FileName != prev.FileName {
		return true
	}
	if math.Abs(snap.Progress-prev.Progress) > s.cfg.ProgressEpsilon {
		return true
	}
	if math.Abs(snap.NozzleTemp-prev.NozzleTemp) > s.cfg.TempEpsilon {
		return true
	}
	if math.Abs(snap.BedTemp-prev.BedTemp) > s.cfg.TempEpsilon {
		return true
	}
	return false
}

func (s *Subscriber) emit(snap Snapshot) {
	s.mu.Lock()
	copied := snap
	s.last = &copied
	s.mu.Unlock()

	if s.handler != nil {
		s.handler(s.creds.SerialNumber, snap)
	}
}

func (s *Subscriber) sleep(d time.Duration) bool {
	select {
	case <-s.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// stallGuard counts consecutive heartbeats spent at 100% progress without a
// terminal gcode state. It sees every poll so any non-100% reading resets
// the counter immediately, but only heartbeat readings increment it.
type stallGuard struct {
	threshold int
	count     int
}

func newStallGuard(threshold int) *stallGuard {
	if threshold < 1 {
		threshold = 3
	}
	return &stallGuard{threshold: threshold}
}

func (g *stallGuard) observe(progress float64, gcodeState string, heartbeat bool) bool {
	if progress < 100 {
		g.count = 0
		return false
	}
	if IsTerminalGcodeState(gcodeState) {
		g.count = 0
		return false
	}
	if !heartbeat {
		return false
	}
	g.count++
	return g.count >= g.threshold
}

func (g *stallGuard) reset() {
	g.count = 0
}
