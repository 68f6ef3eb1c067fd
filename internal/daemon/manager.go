package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// StatsPath is served next to the metrics endpoint.
const StatsPath = "/stats"

// ErrNotRunning is returned when no daemon process answers for a PID file.
var ErrNotRunning = errors.New("daemon not running")

// Client controls a running daemon through its PID file and queries its
// statistics over the metrics listener.
type Client struct {
	PIDFile  string
	StatsURL string
	HTTP     *http.Client

	// PollInterval is how often Stop checks whether the process exited.
	PollInterval time.Duration
}

// NewClient returns a client for the daemon owning pidFile whose metrics
// server listens on listen.
func NewClient(pidFile, listen string) *Client {
	host := listen
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return &Client{
		PIDFile:      pidFile,
		StatsURL:     "http://" + host + StatsPath,
		HTTP:         &http.Client{Timeout: 5 * time.Second},
		PollInterval: 100 * time.Millisecond,
	}
}

// Stop sends SIGTERM and waits for the process to exit or ctx to expire.
func (c *Client) Stop(ctx context.Context) error {
	proc, err := c.process()
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon: %w", err)
	}

	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()
	for {
		if proc.Signal(syscall.Signal(0)) != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon did not exit: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Reload sends SIGHUP.
func (c *Client) Reload(context.Context) error {
	proc, err := c.process()
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("signal daemon: %w", err)
	}
	return nil
}

// Stats fetches per-pipeline statistics.
func (c *Client) Stats(ctx context.Context) ([]QueueStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.StatsURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query stats: %s", resp.Status)
	}

	var stats []QueueStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}

// Close is a no-op; the client holds no connection.
func (c *Client) Close() error { return nil }

func (c *Client) process() (*os.Process, error) {
	pid, err := ReadPIDFile(c.PIDFile)
	if err != nil {
		return nil, err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, err
	}
	if proc.Signal(syscall.Signal(0)) != nil {
		return nil, fmt.Errorf("%w: pid %d", ErrNotRunning, pid)
	}
	return proc, nil
}

// ReadPIDFile parses the PID stored at path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%w: no pid file %s", ErrNotRunning, path)
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", path)
	}
	return pid, nil
}
