package protocol

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/orrn/fleetd/internal/device"
)

type StartOptions struct {
	UseAMS bool
}

type StartResult struct {
	Acknowledged      bool
	State             string
	Percentage        float64
	UseAMSActually    bool
	FallbackTriggered bool
}

type StarterConfig struct {
	AckTimeout      time.Duration
	AckPollInterval time.Duration
}

// Starter drives the print-start handshake: issue the native start call,
// poll until the device visibly begins the job, and fall back once on a
// material/slot conflict.
type Starter struct {
	cfg StarterConfig
}

func NewStarter(cfg StarterConfig) *Starter {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 30 * time.Second
	}
	if cfg.AckPollInterval <= 0 {
		cfg.AckPollInterval = time.Second
	}
	return &Starter{cfg: cfg}
}

var runningStates = map[string]bool{
	"running":  true,
	"printing": true,
	"prepare":  true,
	"slicing":  true,
	"pause":    true,
	"paused":   true,
}

func (s *Starter) StartPrint(adapter *device.Adapter, remoteFile, paramPath string, opts StartOptions) (StartResult, error) {
	serial := adapter.Credentials().SerialNumber

	res, conflict := s.attempt(adapter, remoteFile, paramPath, opts.UseAMS, false)
	res.UseAMSActually = opts.UseAMS
	if res.Acknowledged {
		return res, nil
	}

	if conflict {
		log.Printf("[start %s] material conflict on %q, stopping stalled attempt and retrying",
			serial, remoteFile)
		adapter.InvokeFirst(device.StopCandidates)

		if opts.UseAMS {
			// Resubmit with the material system forced off.
			res, _ = s.attempt(adapter, remoteFile, paramPath, false, false)
			res.UseAMSActually = false
		} else {
			// Already AMS-less: reissue over the alternate control channel.
			res, _ = s.attempt(adapter, remoteFile, paramPath, false, true)
		}
		res.FallbackTriggered = true
		if res.Acknowledged {
			return res, nil
		}
		return res, &StartError{
			Serial: serial,
			File:   remoteFile,
			Err:    &ProtocolConflictError{Serial: serial, Detail: "conflict persisted after fallback"},
		}
	}

	return res, &StartError{Serial: serial, File: remoteFile, Err: errors.New("device never reported the job running")}
}

// attempt issues one start call and polls for acknowledgement. The second
// return value reports whether the poll saw a material conflict signature.
func (s *Starter) attempt(adapter *device.Adapter, remoteFile, paramPath string, useAMS, altChannel bool) (StartResult, bool) {
	serial := adapter.Credentials().SerialNumber
	res := StartResult{}

	var issued bool
	if altChannel {
		payload := map[string]any{
			"command": "project_file",
			"file":    remoteFile,
			"param":   paramPath,
			"use_ams": useAMS,
		}
		issued, _ = adapter.InvokeFirst(device.RawCandidates, payload)
	} else {
		issued, _ = adapter.InvokeFirst(device.StartCandidates, remoteFile, paramPath, useAMS)
	}
	if !issued {
		log.Printf("[start %s] device accepted no start method for %q", serial, remoteFile)
		return res, false
	}

	deadline := time.Now().Add(s.cfg.AckTimeout)
	firstPoll := true
	staleAtStart := false
	conflict := false

	for {
		state, pct := s.poll(adapter)
		res.State = state
		res.Percentage = pct

		// A FINISH/100% reading immediately after issuing start is the
		// previous job's leftover status, never an ack of the new one.
		if firstPoll && isFinishState(state) && pct >= 100 {
			staleAtStart = true
			log.Printf("[start %s] stale FINISH/100%% status observed at start, ignoring", serial)
		}
		firstPoll = false

		if device.IsAMSConflictText(state) {
			conflict = true
			return res, conflict
		}

		if runningStates[strings.ToLower(state)] {
			res.Acknowledged = true
			return res, false
		}
		if pct > 0 && pct < 100 {
			res.Acknowledged = true
			return res, false
		}
		if !staleAtStart && isFinishState(state) && pct >= 100 {
			// The stale snapshot cleared and came back: genuinely finished
			// is still not an ack of a job that never visibly ran.
			return res, false
		}

		if time.Now().After(deadline) {
			return res, conflict
		}
		time.Sleep(s.cfg.AckPollInterval)
	}
}

func (s *Starter) poll(adapter *device.Adapter) (string, float64) {
	var state string
	if v, _, ok := adapter.QueryFirst(device.StateCandidates); ok {
		state = asString(v)
	}
	var pct float64
	if v, _, ok := adapter.QueryFirst(device.PercentCandidates); ok {
		pct, _ = asFloat(v)
	}
	return state, pct
}

func isFinishState(state string) bool {
	switch strings.ToLower(state) {
	case "finish", "finished", "complete", "completed":
		return true
	}
	return false
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}
