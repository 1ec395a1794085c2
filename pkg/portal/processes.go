package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/devportal/internal/logging"
)

// ProcessesAPI serves the device process table, as JSON over GET or as a
// stream of snapshots over a websocket.
const ProcessesAPI = "api/resourcemanager/processes"

// DeviceProcessInfo is one entry of the device process table.
// PackageFullName is empty for processes that do not belong to an installed
// package.
type DeviceProcessInfo struct {
	PackageFullName   string  `json:"PackageFullName,omitempty" yaml:"packageFullName,omitempty"`
	ProcessID         uint32  `json:"ProcessId" yaml:"processId"`
	IsRunning         bool    `json:"IsRunning" yaml:"isRunning"`
	AppName           string  `json:"AppName,omitempty" yaml:"appName,omitempty"`
	ImageName         string  `json:"ImageName,omitempty" yaml:"imageName,omitempty"`
	UserName          string  `json:"UserName,omitempty" yaml:"userName,omitempty"`
	Publisher         string  `json:"Publisher,omitempty" yaml:"publisher,omitempty"`
	CPUUsage          float64 `json:"CPUUsage" yaml:"cpuUsage"`
	SessionID         uint32  `json:"SessionId" yaml:"sessionId"`
	WorkingSetSize    uint64  `json:"WorkingSetSize" yaml:"workingSetSize"`
	PrivateWorkingSet uint64  `json:"PrivateWorkingSet" yaml:"privateWorkingSet"`
	VirtualSize       uint64  `json:"VirtualSize" yaml:"virtualSize"`
	PageFileUsage     uint64  `json:"PageFileUsage" yaml:"pageFileUsage"`
}

// RunningProcesses is a snapshot of the device process table, in the order
// the device reported it.
type RunningProcesses struct {
	Processes []DeviceProcessInfo `json:"Processes" yaml:"processes"`
}

// GetRunningProcesses fetches the current process snapshot.
func (c *Client) GetRunningProcesses(ctx context.Context) (*RunningProcesses, error) {
	var procs RunningProcesses
	if err := c.getJSON(ctx, ProcessesAPI, &procs); err != nil {
		return nil, err
	}
	return &procs, nil
}

// RunningProcesses implements ProcessSource.
func (c *Client) RunningProcesses(ctx context.Context) (*RunningProcesses, error) {
	return c.GetRunningProcesses(ctx)
}

// ErrStopWatching may be returned by a WatchProcesses callback to end the
// watch without an error.
var ErrStopWatching = errors.New("stop watching")

// WatchProcesses opens the process websocket and calls fn for every snapshot
// until ctx is done or fn returns an error. A context cancellation or
// ErrStopWatching ends the watch with a nil error.
func (c *Client) WatchProcesses(ctx context.Context, fn func(*RunningProcesses) error) error {
	u := c.endpoint(ProcessesAPI)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	if c.authHeader != "" {
		header.Set("Authorization", c.authHeader)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  c.tlsConfig,
		Jar:              c.httpClient.Jar,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			var body []byte
			if resp.Body != nil {
				body, _ = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
				resp.Body.Close()
			}
			return newRequestError(http.MethodGet, ProcessesAPI, resp.StatusCode, body)
		}
		return fmt.Errorf("failed to open process stream: %w", err)
	}
	defer conn.Close()

	log.Info("process stream connected", logging.KeyDevice, c.baseURL.Host)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("process stream: %w", err)
		}

		var procs RunningProcesses
		if err := json.Unmarshal(data, &procs); err != nil {
			return fmt.Errorf("failed to decode process snapshot: %w", err)
		}
		if err := fn(&procs); err != nil {
			if errors.Is(err, ErrStopWatching) {
				return nil
			}
			return err
		}
	}
}
