package fleet

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/orrn/fleetd/internal/cloud"
	"github.com/orrn/fleetd/internal/command"
	"github.com/orrn/fleetd/internal/config"
	"github.com/orrn/fleetd/internal/device"
	"github.com/orrn/fleetd/internal/monitor"
	"github.com/orrn/fleetd/internal/protocol"
	"github.com/orrn/fleetd/internal/report"
	"github.com/orrn/fleetd/internal/status"
	"github.com/orrn/fleetd/internal/tracker"
)

const stopJoinTimeout = 5 * time.Second

// PrinterInfo is the read-only view of one managed device.
type PrinterInfo struct {
	Credentials device.Credentials `json:"credentials"`
	Snapshot    *status.Snapshot   `json:"snapshot,omitempty"`
}

type printerTasks struct {
	creds      device.Credentials
	subscriber *status.Subscriber
	worker     *command.Worker
}

// Manager composes the whole orchestration layer: one subscriber and one
// command worker per device, a shared router, tracker, completion monitor
// and backend reporter.
type Manager struct {
	cfg          *config.Config
	connector    device.Connector
	transfers    protocol.TransferDialer
	source       command.CommandSource
	reservations *command.ReservationStore
	router       *command.Router
	tracker      *tracker.Tracker
	monitor      *monitor.Monitor
	reporter     *report.Reporter
	uploader     *protocol.Uploader
	starter      *protocol.Starter

	mu       sync.RWMutex
	printers map[string]*printerTasks

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewManager(
	cfg *config.Config,
	connector device.Connector,
	transfers protocol.TransferDialer,
	source command.CommandSource,
	reservations *command.ReservationStore,
	store tracker.Store,
) *Manager {
	m := &Manager{
		cfg:          cfg,
		connector:    connector,
		transfers:    transfers,
		source:       source,
		reservations: reservations,
		router:       command.NewRouter(),
		monitor:      monitor.New(cfg.Monitor.DebounceCount),
		printers:     make(map[string]*printerTasks),
		stopCh:       make(chan struct{}),
	}

	m.reporter = report.NewReporter(report.Config{
		Endpoint: cfg.Cloud.BaseURL + "/printerEvent",
		Secret:   cfg.Cloud.Secret,
		Timeout:  cfg.Cloud.RequestTimeout,
	}, func(serial, jobKey, eventID string) {
		m.tracker.MarkAsSent(serial, jobKey, eventID)
	})

	m.tracker = tracker.New(store, func(job tracker.TrackedJob) error {
		return m.reporter.ReportJob(job)
	})

	m.uploader = protocol.NewUploader(transfers, protocol.UploaderConfig{
		TargetDirectory: cfg.Protocol.TargetDirectory,
		ChunkSize:       cfg.Protocol.UploadChunkSize,
		ReactivateVerb:  cfg.Protocol.ReactivateVerb,
	})
	m.starter = protocol.NewStarter(protocol.StarterConfig{
		AckTimeout:      cfg.Protocol.AckTimeout,
		AckPollInterval: cfg.Protocol.AckPollInterval,
	})

	return m
}

func (m *Manager) Start() error {
	if err := m.tracker.LoadFromDatabase(); err != nil {
		return err
	}

	m.reporter.Start()

	m.wg.Add(1)
	go m.flushLoop()

	if m.cfg.Tracker.PruneInterval > 0 && m.cfg.Tracker.RetentionDays > 0 {
		m.wg.Add(1)
		go m.pruneLoop()
	}

	return nil
}

func (m *Manager) Stop() {
	close(m.stopCh)

	m.mu.Lock()
	printers := make([]*printerTasks, 0, len(m.printers))
	for _, p := range m.printers {
		printers = append(printers, p)
	}
	m.printers = make(map[string]*printerTasks)
	m.mu.Unlock()

	for _, p := range printers {
		m.stopTasks(p)
		m.router.Remove(p.creds.SerialNumber)
	}

	m.reporter.Stop()
	m.wg.Wait()
}

// AddPrinter spins up the device's subscriber/worker pair and registers the
// worker with the router, draining any backlog addressed to it.
func (m *Manager) AddPrinter(creds device.Credentials) {
	m.mu.Lock()
	if _, exists := m.printers[creds.SerialNumber]; exists {
		m.mu.Unlock()
		return
	}

	sub := status.NewSubscriber(creds, m.connector, m.cfg.Status, m.handleSnapshot)
	worker := command.NewWorker(
		creds,
		command.WorkerConfig{
			PollInterval:   m.cfg.Cloud.PollInterval,
			ConnectTimeout: m.cfg.Status.ConnectTimeout,
			RetryDelay:     m.cfg.Status.ReconnectDelay,
		},
		m.connector,
		m.uploader,
		m.starter,
		m.source,
		m.reservations,
		m.handlePrintStarted,
	)

	p := &printerTasks{creds: creds, subscriber: sub, worker: worker}
	m.printers[creds.SerialNumber] = p
	m.mu.Unlock()

	sub.Start()
	worker.Start()
	m.router.Register(worker)

	log.Printf("[fleet] printer %s added", creds)
}

// RemovePrinter stops the device's tasks with a bounded join. Backlog the
// router may hold for it stays queued.
func (m *Manager) RemovePrinter(serial string) {
	m.mu.Lock()
	p, exists := m.printers[serial]
	if exists {
		delete(m.printers, serial)
	}
	m.mu.Unlock()

	if !exists {
		return
	}

	m.router.Remove(serial)
	m.stopTasks(p)
	log.Printf("[fleet] printer %s removed", p.creds)
}

// stopTasks joins with a bounded wait and proceeds regardless: a device
// wedged in I/O must not hang shutdown.
func (m *Manager) stopTasks(p *printerTasks) {
	done := make(chan struct{})
	go func() {
		p.subscriber.Stop()
		p.worker.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		log.Printf("[fleet] tasks for %s did not stop within %v, proceeding", p.creds.SerialNumber, stopJoinTimeout)
	}
}

// Route hands a command from any source to its target worker or the
// backlog.
func (m *Manager) Route(cmd cloud.Command) {
	m.router.Route(cmd)
}

// ListPrinters returns the managed devices with their latest snapshots.
func (m *Manager) ListPrinters() []PrinterInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]PrinterInfo, 0, len(m.printers))
	for _, p := range m.printers {
		info := PrinterInfo{Credentials: p.creds}
		if snap, ok := p.subscriber.Latest(); ok {
			info.Snapshot = &snap
		}
		infos = append(infos, info)
	}
	return infos
}

// Snapshot returns the latest snapshot for one printer.
func (m *Manager) Snapshot(serial string) (status.Snapshot, bool) {
	m.mu.RLock()
	p, exists := m.printers[serial]
	m.mu.RUnlock()
	if !exists {
		return status.Snapshot{}, false
	}
	return p.subscriber.Latest()
}

func (m *Manager) Tracker() *tracker.Tracker {
	return m.tracker
}

func (m *Manager) Router() *command.Router {
	return m.router
}

func (m *Manager) Reservations() *command.ReservationStore {
	return m.reservations
}

// handlePrintStarted resets completion history for the printer so the new
// job can report, and starts tracking it right away.
func (m *Manager) handlePrintStarted(serial, fileName string, result protocol.StartResult) {
	m.monitor.ClearPrinter(serial)

	ip := ""
	m.mu.RLock()
	if p, ok := m.printers[serial]; ok {
		ip = p.creds.IPAddress
	}
	m.mu.RUnlock()

	m.tracker.StartJob(serial, ip, "", fileName, "", "")
}

// handleSnapshot is the subscriber fan-in: it keeps the tracker in sync
// with what the device reports and feeds the completion monitor.
func (m *Manager) handleSnapshot(serial string, snap status.Snapshot) {
	ip := ""
	m.mu.RLock()
	if p, ok := m.printers[serial]; ok {
		ip = p.creds.IPAddress
	}
	m.mu.RUnlock()

	if isActivePrint(snap) && (snap.CurrentJobID != "" || snap.FileName != "") {
		m.tracker.StartJob(serial, ip, snap.CurrentJobID, snap.FileName, "", "")
	}

	if failed, reason := monitor.IsPrintFailed(snap); failed {
		if job, ok := m.tracker.CancelJob(serial, snap.CurrentJobID, snap.FileName); ok {
			log.Printf("[fleet] job %s on %s cancelled (%s)", job.JobKey, serial, reason)
		}
		return
	}

	m.monitor.CheckAndNotify(snap, serial, func(result monitor.CompletionResult) {
		m.tracker.FinishJob(serial, result.JobID, result.FileName)
	})
}

func isActivePrint(snap status.Snapshot) bool {
	switch strings.ToLower(snap.State) {
	case "running", "printing", "prepare", "pause", "paused":
		return true
	}
	switch strings.ToLower(snap.GcodeState) {
	case "running", "printing", "prepare", "pause", "paused":
		return true
	}
	return snap.Progress > 0 && snap.Progress < 100
}

// flushLoop periodically re-reports terminal jobs the backend has not
// acknowledged, covering connectivity gaps.
func (m *Manager) flushLoop() {
	defer m.wg.Done()

	interval := m.cfg.Cloud.PollInterval * 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			for _, job := range m.tracker.GetPendingJobs() {
				if err := m.reporter.ReportJob(job); err != nil {
					break
				}
			}
		}
	}
}

func (m *Manager) pruneLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Tracker.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -m.cfg.Tracker.RetentionDays)
			m.tracker.Prune(cutoff)
		}
	}
}
