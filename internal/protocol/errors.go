package protocol

import (
	"errors"
	"fmt"
)

// Sentinels a transfer session implementation wraps so the upload logic can
// classify its failures without knowing the wire protocol.
var (
	ErrFileNotFound  = errors.New("remote file not found")
	ErrStoreRejected = errors.New("store command rejected")
)

// TransportError means the device was unreachable or the connection died.
// Workers retry it with fixed backoff; it is never fatal to the loop.
type TransportError struct {
	Serial string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s (%s): %v", e.Serial, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TransferError means the file upload was rejected after the reactivation
// retry was exhausted.
type TransferError struct {
	Serial     string
	RemoteName string
	Err        error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer of %q to %s failed: %v", e.RemoteName, e.Serial, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// ProtocolConflictError means the device rejected a print start because of a
// material/slot state conflict. Retried once with the fallback flag, then
// surfaced.
type ProtocolConflictError struct {
	Serial string
	Detail string
}

func (e *ProtocolConflictError) Error() string {
	return fmt.Sprintf("material conflict on %s: %s", e.Serial, e.Detail)
}

// StartError means the print start was never acknowledged after all retries.
type StartError struct {
	Serial string
	File   string
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start of %q on %s not acknowledged: %v", e.File, e.Serial, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// TransportMismatchError means a command requires a transport the device is
// not configured with. Never silently downgraded.
type TransportMismatchError struct {
	Serial     string
	Required   string
	Configured string
}

func (e *TransportMismatchError) Error() string {
	return fmt.Sprintf("printer %s is configured for %q transport but the command requires %q",
		e.Serial, e.Configured, e.Required)
}

// UnsupportedCommandError means the command type is unknown to this worker.
// Not retried; reported failed with an explicit message.
type UnsupportedCommandError struct {
	CommandType string
}

func (e *UnsupportedCommandError) Error() string {
	return fmt.Sprintf("unsupported command type %q", e.CommandType)
}
