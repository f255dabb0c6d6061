// Package client talks to a running bench's status API.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/enermet/metercal/pkg/session"
)

var (
	// ErrBenchNotRunning is returned when no bench answers on the
	// status address.
	ErrBenchNotRunning = errors.New("bench not running")

	// ErrNotFound is returned when the bench does not know the
	// requested session.
	ErrNotFound = errors.New("404 not found")
)

// Client queries one bench's status API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient targets the bench listening on addr (host:port).
func NewClient(addr string) *Client {
	return &Client{
		baseURL:    "http://" + addr,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Status mirrors the bench's /status response.
type Status struct {
	Running []string         `json:"running"`
	Reports []session.Report `json:"reports"`
}

func (c *Client) get(path string, out any) error {
	url := c.baseURL + path
	logrus.WithField("url", url).Debug("querying bench")

	resp, err := c.httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBenchNotRunning, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("bench returned %s: %s", resp.Status, body)
	}
	return json.Unmarshal(body, out)
}

// GetStatus returns the running sessions and collected reports.
func (c *Client) GetStatus() (*Status, error) {
	var st Status
	if err := c.get("/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetReports returns every report the current run has produced.
func (c *Client) GetReports() ([]session.Report, error) {
	var reports []session.Report
	if err := c.get("/reports", &reports); err != nil {
		return nil, err
	}
	return reports, nil
}

// GetReport returns one session's report.
func (c *Client) GetReport(id string) (*session.Report, error) {
	var rep session.Report
	if err := c.get("/reports/"+id, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}
