package driver

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/orrn/fleetd/internal/device"
	"github.com/orrn/fleetd/internal/protocol"
)

// Reference LAN driver: line-delimited JSON over TCP against the agent a
// printer exposes on its control and transfer ports. Vendor-native drivers
// plug in through the same device.Connector / protocol.TransferDialer
// seams.

const (
	DefaultControlPort  = 8899
	DefaultTransferPort = 8898
)

var ErrConnectionFailed = errors.New("connection failed")

type rpcRequest struct {
	Method     string `json:"method,omitempty"`
	Args       []any  `json:"args,omitempty"`
	AccessCode string `json:"access_code,omitempty"`
}

type rpcResponse struct {
	OK    bool   `json:"ok"`
	Code  string `json:"code,omitempty"`
	Value any    `json:"value,omitempty"`
}

// LANConnector dials printers over their control port.
type LANConnector struct {
	Port int
}

func (c *LANConnector) Dial(creds device.Credentials, timeout time.Duration) (device.Handle, error) {
	port := c.Port
	if port == 0 {
		port = DefaultControlPort
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	address := fmt.Sprintf("%s:%d", creds.IPAddress, port)
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	h := &lanHandle{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: timeout,
	}

	if creds.AccessCode != "" {
		if _, err := h.roundTrip(rpcRequest{AccessCode: creds.AccessCode}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: auth rejected: %v", ErrConnectionFailed, err)
		}
	}

	return h, nil
}

type lanHandle struct {
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
	mu      sync.Mutex
}

// TryInvoke sends one method call and reports whether the firmware honored
// it. Any transport or protocol failure reads as "not supported"; the
// capability adapter decides what that means.
func (h *lanHandle) TryInvoke(name string, args ...any) (any, bool) {
	resp, err := h.roundTrip(rpcRequest{Method: name, Args: args})
	if err != nil || !resp.OK {
		return nil, false
	}
	return resp.Value, true
}

func (h *lanHandle) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conn.Close()
}

func (h *lanHandle) roundTrip(req rpcRequest) (*rpcResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	_ = h.conn.SetDeadline(time.Now().Add(h.timeout))

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := h.conn.Write(append(payload, '\n')); err != nil {
		return nil, err
	}

	line, err := h.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}

	var resp rpcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LANTransferDialer opens transfer sessions over the transfer port.
type LANTransferDialer struct {
	Port      int
	Timeout   time.Duration
	ChunkSize int
}

func (d *LANTransferDialer) Dial(creds device.Credentials) (protocol.TransferSession, error) {
	port := d.Port
	if port == 0 {
		port = DefaultTransferPort
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	address := fmt.Sprintf("%s:%d", creds.IPAddress, port)
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	s := &lanTransferSession{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		timeout:   timeout,
		chunkSize: d.ChunkSize,
	}
	if s.chunkSize < 1 {
		s.chunkSize = 8192
	}

	if creds.AccessCode != "" {
		if err := s.exchange(transferFrame{Op: "auth", Data: creds.AccessCode}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: auth rejected: %v", ErrConnectionFailed, err)
		}
	}

	return s, nil
}

type transferFrame struct {
	Op   string `json:"op"`
	Name string `json:"name,omitempty"`
	Data string `json:"data,omitempty"`
	EOF  bool   `json:"eof,omitempty"`
}

type lanTransferSession struct {
	conn      net.Conn
	reader    *bufio.Reader
	timeout   time.Duration
	chunkSize int
}

func (s *lanTransferSession) Chdir(dir string) error {
	return s.exchange(transferFrame{Op: "cwd", Name: dir})
}

func (s *lanTransferSession) Delete(name string) error {
	return s.exchange(transferFrame{Op: "dele", Name: name})
}

func (s *lanTransferSession) Store(name string, r io.Reader) error {
	buf := make([]byte, s.chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frame := transferFrame{
				Op:   "stor",
				Name: name,
				Data: base64.StdEncoding.EncodeToString(buf[:n]),
			}
			if sendErr := s.exchange(frame); sendErr != nil {
				return sendErr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return s.exchange(transferFrame{Op: "stor", Name: name, EOF: true})
}

func (s *lanTransferSession) SendCommand(verb string) error {
	return s.exchange(transferFrame{Op: "cmd", Data: verb})
}

func (s *lanTransferSession) Close() error {
	return s.conn.Close()
}

func (s *lanTransferSession) exchange(frame transferFrame) error {
	_ = s.conn.SetDeadline(time.Now().Add(s.timeout))

	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(append(payload, '\n')); err != nil {
		return err
	}

	line, err := s.reader.ReadBytes('\n')
	if err != nil {
		return err
	}

	var resp rpcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return err
	}
	if !resp.OK {
		switch resp.Code {
		case "not_found":
			return fmt.Errorf("%s %q: %w", frame.Op, frame.Name, protocol.ErrFileNotFound)
		case "store_rejected", "permission_denied":
			return fmt.Errorf("%s %q: %w", frame.Op, frame.Name, protocol.ErrStoreRejected)
		default:
			return fmt.Errorf("%s %q rejected: %s", frame.Op, frame.Name, resp.Code)
		}
	}
	return nil
}
