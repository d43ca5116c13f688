// Package sdk provides a Go client for the carousel daemon's control
// socket. CLI commands and the dashboard use this to inspect the fleet,
// trigger rotations, and follow the event stream.
package sdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"carousel"
	"carousel/daemon"
)

// Client speaks HTTP over the daemon's unix control socket.
type Client struct {
	http *http.Client
}

// Dial returns a client for the control socket at socketPath. No connection
// is made until the first call.
func Dial(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{http: &http.Client{Transport: transport}}
}

// Status returns the daemon's fleet and pool state.
func (c *Client) Status(ctx context.Context) (*daemon.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://carousel/v1/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	var st daemon.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

// Rotate asks the daemon to start a rotation cycle now.
func (c *Client) Rotate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://carousel/v1/rotate", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request rotation: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("request rotation: %w", err)
	}
	return nil
}

// History returns up to limit persisted events, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]carousel.Event, error) {
	url := "http://carousel/v1/history"
	if limit > 0 {
		url += "?limit=" + strconv.Itoa(limit)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	var evs []carousel.Event
	if err := json.NewDecoder(resp.Body).Decode(&evs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return evs, nil
}

// Events subscribes to the daemon's live event stream. The channel closes
// when ctx is cancelled or the daemon goes away.
func (c *Client) Events(ctx context.Context) (<-chan carousel.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://carousel/v1/events", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subscribe events: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("subscribe events: %w", err)
	}

	ch := make(chan carousel.Event)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev carousel.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		return fmt.Errorf("daemon: %s", apiErr.Message)
	}
	return fmt.Errorf("daemon: unexpected status %s", resp.Status)
}
