package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"netwarden/internal/models"
)

// Client polls the control surface. It is what the terminal UI talks to.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the server listening at addr
// ("127.0.0.1:8765" or a full http:// URL).
func NewClient(addr string, timeout time.Duration) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{base: base, http: &http.Client{Timeout: timeout}}
}

// Status fetches GET /api/status.
func (c *Client) Status(ctx context.Context) (models.CaptureStatus, error) {
	var st models.CaptureStatus
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

// Packets fetches rows newer than since.
func (c *Client) Packets(ctx context.Context, since uint64, limit int) ([]models.PacketRow, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatUint(since, 10))
	q.Set("limit", strconv.Itoa(limit))

	var resp struct {
		Packets []models.PacketRow `json:"packets"`
	}
	err := c.do(ctx, http.MethodGet, "/api/packets?"+q.Encode(), nil, &resp)
	return resp.Packets, err
}

// StartCapture starts (or retargets) the live capture.
func (c *Client) StartCapture(ctx context.Context, ip, iface string) (models.CaptureStatus, error) {
	var st models.CaptureStatus
	err := c.do(ctx, http.MethodPost, "/api/capture/start", captureStartRequest{IP: ip, Iface: iface}, &st)
	return st, err
}

// StopCapture stops the live capture.
func (c *Client) StopCapture(ctx context.Context) (models.CaptureStatus, error) {
	var st models.CaptureStatus
	err := c.do(ctx, http.MethodPost, "/api/capture/stop", nil, &st)
	return st, err
}

// SetFilter replaces the capture filter.
func (c *Client) SetFilter(ctx context.Context, ip string) (models.CaptureStatus, error) {
	var st models.CaptureStatus
	err := c.do(ctx, http.MethodPost, "/api/filter", filterRequest{IP: ip}, &st)
	return st, err
}

// MitmSummary fetches the indicator engine output.
func (c *Client) MitmSummary(ctx context.Context) (models.MitmSummary, error) {
	var s models.MitmSummary
	err := c.do(ctx, http.MethodGet, "/api/mitm/summary", nil, &s)
	return s, err
}

// SetARPMonitor starts or stops the passive ARP monitor.
func (c *Client) SetARPMonitor(ctx context.Context, on bool) (bool, error) {
	path := "/api/mitm/monitor/stop"
	if on {
		path = "/api/mitm/monitor/start"
	}
	var resp struct {
		Running bool `json:"running"`
	}
	err := c.do(ctx, http.MethodPost, path, nil, &resp)
	return resp.Running, err
}

// DiscoveryStatus fetches the discovery job.
func (c *Client) DiscoveryStatus(ctx context.Context) (models.DiscoveryJob, error) {
	var resp struct {
		Job models.DiscoveryJob `json:"job"`
	}
	err := c.do(ctx, http.MethodGet, "/api/discover/status", nil, &resp)
	return resp.Job, err
}

// StartDiscovery starts a sweep of the default local network.
func (c *Client) StartDiscovery(ctx context.Context, cidr string) error {
	return c.do(ctx, http.MethodPost, "/api/discover/start", discoverRequest{CIDR: cidr}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, e.Error)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
