package daemon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jfoltran/replicator/internal/metrics"
)

// Client talks to the daemon's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an API client pointing at the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Ping checks if the daemon is reachable.
func (c *Client) Ping() error {
	resp, err := c.http.Get(c.baseURL + "/api/v1/status")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Status fetches the current metrics snapshot.
func (c *Client) Status() (*metrics.Snapshot, error) {
	resp, err := c.http.Get(c.baseURL + "/api/v1/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Logs fetches recent log entries.
func (c *Client) Logs() ([]metrics.LogEntry, error) {
	resp, err := c.http.Get(c.baseURL + "/api/v1/logs")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var entries []metrics.LogEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ChangeRole requests a role transition on the hosted Replicator.
func (c *Client) ChangeRole(payload ChangeRolePayload) (*JobResponse, error) {
	return c.postJob("/api/v1/role", payload)
}

// Replicate submits one write to be replicated through the hosted primary.
func (c *Client) Replicate(payload ReplicatePayload) (*JobResponse, error) {
	return c.postJob("/api/v1/replicate", payload)
}

// InduceFault requests the daemon broadcast InduceFault to its peers.
func (c *Client) InduceFault(payload InduceFaultPayload) (*JobResponse, error) {
	return c.postJob("/api/v1/induce-fault", payload)
}

func (c *Client) postJob(path string, payload any) (*JobResponse, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("cannot reach daemon at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var jr JobResponse
	if err := json.Unmarshal(respBody, &jr); err != nil {
		return nil, fmt.Errorf("unexpected response: %s", string(respBody))
	}
	return &jr, nil
}
