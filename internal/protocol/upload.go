package protocol

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/orrn/fleetd/internal/device"
)

// TransferSession is one open secure file-transfer channel to a device.
type TransferSession interface {
	Chdir(dir string) error
	Delete(name string) error
	Store(name string, r io.Reader) error
	SendCommand(verb string) error
	Close() error
}

// TransferDialer opens a transfer session against a printer.
type TransferDialer interface {
	Dial(creds device.Credentials) (TransferSession, error)
}

type UploaderConfig struct {
	TargetDirectory string
	ChunkSize       int
	ReactivateVerb  string
}

// Uploader pushes sliced print files onto a device. Some firmwares leave the
// transfer subsystem in a latched bad state after an aborted transfer, so a
// rejected store gets one reactivation and one retry before giving up.
type Uploader struct {
	dialer TransferDialer
	cfg    UploaderConfig
}

func NewUploader(dialer TransferDialer, cfg UploaderConfig) *Uploader {
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 8192
	}
	return &Uploader{dialer: dialer, cfg: cfg}
}

// Upload transfers localFile to the device as remoteName and returns the
// remote name actually used.
func (u *Uploader) Upload(creds device.Credentials, localFile, remoteName string) (string, error) {
	session, err := u.dialer.Dial(creds)
	if err != nil {
		return "", &TransportError{Serial: creds.SerialNumber, Op: "transfer dial", Err: err}
	}
	defer session.Close()

	if u.cfg.TargetDirectory != "" {
		if err := session.Chdir(u.cfg.TargetDirectory); err != nil {
			log.Printf("[upload %s] chdir %q failed, using flat path: %v",
				creds.SerialNumber, u.cfg.TargetDirectory, err)
		}
	}

	if err := session.Delete(remoteName); err != nil && !errors.Is(err, ErrFileNotFound) {
		log.Printf("[upload %s] stale delete of %q failed: %v", creds.SerialNumber, remoteName, err)
	}

	err = u.store(session, localFile, remoteName)
	if err == nil {
		return remoteName, nil
	}

	if !errors.Is(err, ErrStoreRejected) {
		return "", &TransferError{Serial: creds.SerialNumber, RemoteName: remoteName, Err: err}
	}

	if u.cfg.ReactivateVerb != "" {
		log.Printf("[upload %s] store rejected, reactivating transfer subsystem (%s)",
			creds.SerialNumber, u.cfg.ReactivateVerb)
		if rerr := session.SendCommand(u.cfg.ReactivateVerb); rerr != nil {
			log.Printf("[upload %s] reactivation failed: %v", creds.SerialNumber, rerr)
		}
	}

	if err = u.store(session, localFile, remoteName); err != nil {
		return "", &TransferError{Serial: creds.SerialNumber, RemoteName: remoteName, Err: err}
	}

	return remoteName, nil
}

func (u *Uploader) store(session TransferSession, localFile, remoteName string) error {
	f, err := os.Open(localFile)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer f.Close()

	return session.Store(remoteName, newChunkedReader(f, u.cfg.ChunkSize))
}

// chunkedReader caps every Read at the configured chunk size so the stream
// hits the wire in fixed-size pieces regardless of caller buffer size.
type chunkedReader struct {
	r    io.Reader
	size int
}

func newChunkedReader(r io.Reader, size int) *chunkedReader {
	return &chunkedReader{r: r, size: size}
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(p) > c.size {
		p = p[:c.size]
	}
	return c.r.Read(p)
}
