package command

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/orrn/fleetd/internal/cloud"
	"github.com/orrn/fleetd/internal/device"
	"github.com/orrn/fleetd/internal/protocol"
)

// Command types the cloud side produces.
const (
	TypeHeat     = "heat"
	TypeCooldown = "cooldown"
	TypePause    = "pause"
	TypeResume   = "resume"
	TypeStop     = "stop"
	TypeSetFan   = "setFan"
	TypeSetSpeed = "setSpeed"
	TypeSetFlow  = "setFlow"
	TypeHome     = "home"
	TypeJog      = "jog"
	TypeSendRaw  = "sendRaw"
	TypePoke     = "poke"
	TypePrint    = "print"
)

// CommandSource is the queue side the worker polls and acknowledges.
// cloud.Client satisfies it.
type CommandSource interface {
	FetchCommands(ctx context.Context, serial, ip string) ([]cloud.Command, error)
	AckCommand(ctx context.Context, serial, commandID, status, message, errorMessage string) error
	PostCommandResult(ctx context.Context, commandID, status, message, errorMessage string) error
}

// PrintStartedFunc is notified when a print command successfully started a
// job, so job tracking and completion history can reset for the new job.
type PrintStartedFunc func(serial, fileName string, result protocol.StartResult)

type WorkerConfig struct {
	PollInterval   time.Duration
	ConnectTimeout time.Duration
	RetryDelay     time.Duration
	Transport      string // configured connection method, e.g. "lan"
}

// Worker is the one command task a device gets: poll the queue, reserve,
// dispatch, acknowledge, finalize.
type Worker struct {
	creds          device.Credentials
	cfg            WorkerConfig
	connector      device.Connector
	uploader       *protocol.Uploader
	starter        *protocol.Starter
	source         CommandSource
	reservations   *ReservationStore
	onPrintStarted PrintStartedFunc

	inbox  chan cloud.Command
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewWorker(
	creds device.Credentials,
	cfg WorkerConfig,
	connector device.Connector,
	uploader *protocol.Uploader,
	starter *protocol.Starter,
	source CommandSource,
	reservations *ReservationStore,
	onPrintStarted PrintStartedFunc,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Transport == "" {
		cfg.Transport = "lan"
	}
	return &Worker{
		creds:          creds,
		cfg:            cfg,
		connector:      connector,
		uploader:       uploader,
		starter:        starter,
		source:         source,
		reservations:   reservations,
		onPrintStarted: onPrintStarted,
		inbox:          make(chan cloud.Command, 128),
		stopCh:         make(chan struct{}),
	}
}

func (w *Worker) Serial() string {
	return w.creds.SerialNumber
}

func (w *Worker) IPAddress() string {
	return w.creds.IPAddress
}

// Submit offers the worker a command routed from elsewhere. It reports
// false when the worker is stopping or its inbox is full; ownership of the
// command stays with the caller, which re-queues it.
func (w *Worker) Submit(cmd cloud.Command) bool {
	select {
	case <-w.stopCh:
		return false
	default:
	}
	select {
	case w.inbox <- cmd:
		return true
	default:
		log.Printf("[worker %s] inbox full, returning command %s to the router", w.creds.SerialNumber, cmd.CommandID)
		return false
	}
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.pollOnce()

	for {
		select {
		case <-w.stopCh:
			return
		case cmd := <-w.inbox:
			w.Handle(cmd)
		case <-ticker.C:
			w.pollOnce()
		}
	}
}

func (w *Worker) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.PollInterval)
	defer cancel()

	commands, err := w.source.FetchCommands(ctx, w.creds.SerialNumber, w.creds.IPAddress)
	if err != nil {
		log.Printf("[worker %s] command poll failed: %v", w.creds.SerialNumber, err)
		return
	}

	for _, cmd := range commands {
		select {
		case <-w.stopCh:
			return
		default:
		}
		w.Handle(cmd)
	}
}

// Handle runs one command end to end: reservation check-and-set, dispatch,
// acknowledgement, reservation finalization.
func (w *Worker) Handle(cmd cloud.Command) {
	serial := w.creds.SerialNumber

	if !w.reservations.Reserve(cmd.CommandID) {
		log.Printf("[worker %s] command %s already handled, skipping", serial, cmd.CommandID)
		return
	}

	message, err := w.dispatch(cmd)

	status := "completed"
	errorMessage := ""
	if err != nil {
		status = "failed"
		errorMessage = err.Error()
		log.Printf("[worker %s] command %s (%s) failed on %s: %v",
			serial, cmd.CommandID, cmd.CommandType, w.creds, err)
	} else {
		log.Printf("[worker %s] command %s (%s) completed", serial, cmd.CommandID, cmd.CommandType)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.PollInterval)
	defer cancel()

	if ackErr := w.source.AckCommand(ctx, serial, cmd.CommandID, status, message, errorMessage); ackErr != nil {
		log.Printf("[worker %s] failed to ack command %s: %v", serial, cmd.CommandID, ackErr)
	}
	if resErr := w.source.PostCommandResult(ctx, cmd.CommandID, status, message, errorMessage); resErr != nil {
		log.Printf("[worker %s] failed to post result for command %s: %v", serial, cmd.CommandID, resErr)
	}

	w.reservations.Finalize(cmd.CommandID, status)
}

func (w *Worker) dispatch(cmd cloud.Command) (string, error) {
	switch cmd.CommandType {
	case TypePrint:
		return w.dispatchPrint(cmd)
	case TypeSendRaw:
		if err := w.checkTransport(cmd); err != nil {
			return "", err
		}
	}

	adapter, err := w.connect()
	if err != nil {
		return "", err
	}
	defer adapter.Disconnect()

	meta := cmd.Metadata

	switch cmd.CommandType {
	case TypeHeat:
		applied := false
		if v, ok := metaFloat(meta, "nozzle_temp"); ok {
			if done, _ := adapter.InvokeFirst(device.NozzleTempCandidates, v); done {
				applied = true
			}
		}
		if v, ok := metaFloat(meta, "bed_temp"); ok {
			if done, _ := adapter.InvokeFirst(device.BedTempCandidates, v); done {
				applied = true
			}
		}
		if !applied {
			return "", fmt.Errorf("device accepted no temperature method")
		}
		return "temperatures set", nil

	case TypeCooldown:
		nozzleOK, _ := adapter.InvokeFirst(device.NozzleTempCandidates, 0.0)
		bedOK, _ := adapter.InvokeFirst(device.BedTempCandidates, 0.0)
		if !nozzleOK && !bedOK {
			return "", fmt.Errorf("device accepted no temperature method")
		}
		return "cooldown issued", nil

	case TypePause:
		return w.simpleVerb(adapter, device.PauseCandidates, "pause")
	case TypeResume:
		return w.simpleVerb(adapter, device.ResumeCandidates, "resume")
	case TypeStop:
		return w.simpleVerb(adapter, device.StopCandidates, "stop")
	case TypeHome:
		return w.simpleVerb(adapter, device.HomeCandidates, "home")

	case TypeSetFan:
		v, ok := metaFloat(meta, "speed")
		if !ok {
			return "", fmt.Errorf("setFan requires a speed value")
		}
		return w.simpleVerb(adapter, device.FanCandidates, "setFan", v)

	case TypeSetSpeed:
		v, ok := metaFloat(meta, "level")
		if !ok {
			return "", fmt.Errorf("setSpeed requires a level value")
		}
		return w.simpleVerb(adapter, device.SpeedCandidates, "setSpeed", v)

	case TypeSetFlow:
		v, ok := metaFloat(meta, "rate")
		if !ok {
			return "", fmt.Errorf("setFlow requires a rate value")
		}
		return w.simpleVerb(adapter, device.FlowCandidates, "setFlow", v)

	case TypeJog:
		axis := meta["axis"]
		dist, ok := metaFloat(meta, "distance")
		if axis == "" || !ok {
			return "", fmt.Errorf("jog requires axis and distance")
		}
		return w.simpleVerb(adapter, device.JogCandidates, "jog", axis, dist)

	case TypeSendRaw:
		payload := meta["payload"]
		if payload == "" {
			return "", fmt.Errorf("sendRaw requires a payload")
		}
		return w.simpleVerb(adapter, device.RawCandidates, "sendRaw", payload)

	case TypePoke:
		if _, _, ok := adapter.QueryFirst(device.StateCandidates); !ok {
			return "", &protocol.TransportError{
				Serial: w.creds.SerialNumber,
				Op:     "poke",
				Err:    fmt.Errorf("device answered no state accessor"),
			}
		}
		return "alive", nil

	default:
		return "", &protocol.UnsupportedCommandError{CommandType: cmd.CommandType}
	}
}

func (w *Worker) dispatchPrint(cmd cloud.Command) (string, error) {
	if err := w.checkTransport(cmd); err != nil {
		return "", err
	}

	meta := cmd.Metadata
	localFile := meta["file"]
	if localFile == "" {
		return "", fmt.Errorf("print requires a file")
	}
	remoteName := meta["remote_name"]
	if remoteName == "" {
		remoteName = localFile
	}
	paramPath := meta["param"]
	useAMS := meta["use_ams"] == "true"

	remoteName, err := w.uploader.Upload(w.creds, localFile, remoteName)
	if err != nil {
		return "", err
	}

	adapter, err := w.connect()
	if err != nil {
		return "", err
	}
	defer adapter.Disconnect()

	result, err := w.starter.StartPrint(adapter, remoteName, paramPath, protocol.StartOptions{UseAMS: useAMS})
	if err != nil {
		return "", err
	}

	if w.onPrintStarted != nil {
		w.onPrintStarted(w.creds.SerialNumber, remoteName, result)
	}

	msg := fmt.Sprintf("print started (file %s, ams %v)", remoteName, result.UseAMSActually)
	if result.FallbackTriggered {
		msg += ", fallback triggered"
	}
	return msg, nil
}

// checkTransport rejects commands whose required transport does not match
// the device's configured connection method. Never silently downgraded.
func (w *Worker) checkTransport(cmd cloud.Command) error {
	required := cmd.Metadata["transport"]
	if required == "" || required == w.cfg.Transport {
		return nil
	}
	return &protocol.TransportMismatchError{
		Serial:     w.creds.SerialNumber,
		Required:   required,
		Configured: w.cfg.Transport,
	}
}

// connect dials the device, retrying once after a fixed delay. Transport
// failures are never fatal to the worker loop.
func (w *Worker) connect() (*device.Adapter, error) {
	handle, err := w.connector.Dial(w.creds, w.cfg.ConnectTimeout)
	if err != nil {
		select {
		case <-w.stopCh:
			return nil, &protocol.TransportError{Serial: w.creds.SerialNumber, Op: "dial", Err: err}
		case <-time.After(w.cfg.RetryDelay):
		}
		handle, err = w.connector.Dial(w.creds, w.cfg.ConnectTimeout)
		if err != nil {
			return nil, &protocol.TransportError{Serial: w.creds.SerialNumber, Op: "dial", Err: err}
		}
	}
	return device.NewAdapter(handle, w.creds), nil
}

func (w *Worker) simpleVerb(adapter *device.Adapter, candidates []string, verb string, args ...any) (string, error) {
	ok, method := adapter.InvokeFirst(candidates, args...)
	if !ok {
		return "", fmt.Errorf("device supports no %s method", verb)
	}
	return fmt.Sprintf("%s via %s", verb, method), nil
}

func metaFloat(meta map[string]string, key string) (float64, bool) {
	if meta == nil {
		return 0, false
	}
	raw, ok := meta[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
