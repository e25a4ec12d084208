package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Command is one queued instruction from the control plane, consumed
// exactly once.
type Command struct {
	CommandID    string            `json:"commandId"`
	CommandType  string            `json:"commandType"`
	Metadata     map[string]string `json:"metadata"`
	TargetSerial string            `json:"targetSerial"`
	TargetIP     string            `json:"targetIpAddress"`
}

type commandsResponse struct {
	Commands []Command `json:"commands"`
}

type ackRequest struct {
	RecipientID   string `json:"recipientId"`
	PrinterSerial string `json:"printerSerial"`
	CommandID     string `json:"commandId"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

type resultRequest struct {
	CommandID    string `json:"commandId"`
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Client talks to the cloud command queue.
type Client struct {
	baseURL     string
	recipientID string
	httpClient  *http.Client
}

func NewClient(baseURL, recipientID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:     baseURL,
		recipientID: recipientID,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// FetchCommands pulls the queued commands addressed to one printer.
func (c *Client) FetchCommands(ctx context.Context, serial, ip string) ([]Command, error) {
	endpoint := fmt.Sprintf("%s/control?recipientId=%s&printerSerial=%s&printerIpAddress=%s",
		c.baseURL,
		url.QueryEscape(c.recipientID),
		url.QueryEscape(serial),
		url.QueryEscape(ip),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch commands: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch commands: http error: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read commands response: %w", err)
	}

	var parsed commandsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse commands response: %w", err)
	}

	return parsed.Commands, nil
}

// AckCommand reports a command's outcome back to the queue.
func (c *Client) AckCommand(ctx context.Context, serial, commandID, status, message, errorMessage string) error {
	return c.postJSON(ctx, c.baseURL+"/ackPrinterCommand", ackRequest{
		RecipientID:   c.recipientID,
		PrinterSerial: serial,
		CommandID:     commandID,
		Status:        NormalizeResultStatus(status),
		Message:       message,
		ErrorMessage:  errorMessage,
	})
}

// PostCommandResult posts a command result to the result endpoint.
func (c *Client) PostCommandResult(ctx context.Context, commandID, status, message, errorMessage string) error {
	return c.postJSON(ctx, c.baseURL+"/commandResult", resultRequest{
		CommandID:    commandID,
		Status:       NormalizeResultStatus(status),
		Message:      message,
		ErrorMessage: errorMessage,
	})
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http error: %d", resp.StatusCode)
	}

	return nil
}

// NormalizeResultStatus folds the status spellings different producers use
// into the two the cloud side understands.
func NormalizeResultStatus(status string) string {
	switch status {
	case "success", "ok", "done", "completed":
		return "completed"
	case "failed", "error":
		return "failed"
	default:
		return status
	}
}
