// Package hubclient implements the Hub HTTP Client (spec.md §4.3): a
// single pair of reused TLS/plaintext clients, bounded request/response
// sizes, distinct connect/header/body timeouts (ConnectTimeout,
// HeaderTimeout, BodyTimeout), and HTTPS-fallback on repeated TLS connect
// failure.
package hubclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/edgewan/agentcore/pkg/model"
)

const (
	ConnectTimeout = 12 * time.Second
	HeaderTimeout  = 15 * time.Second
	BodyTimeout    = 15 * time.Second

	MaxHTTPSFail = 2

	MaxResponseBytes    = model.MaxHubResponseBytes
	MaxRequestHeadBytes = model.MaxHubRequestHeadBytes
)

// ErrResponseTooLarge is returned instead of a partial parse when the hub's
// response exceeds MaxResponseBytes (spec.md §8 property 4).
var ErrResponseTooLarge = errors.New("hubclient: response exceeds max response size")

// ErrRequestHeadTooLarge guards the embedded firmware's fixed request
// header buffer budget (spec.md §4.3(b)).
var ErrRequestHeadTooLarge = errors.New("hubclient: request header block exceeds max size")

// Config configures a Client.
type Config struct {
	BaseURL         string
	TLS             model.TLSPolicy
	SNTPServer      string // "host:123"; empty disables the pre-HTTPS time sync
	DisableTimeSync bool
}

// Client reuses exactly one TLS client and one plaintext client per
// process (spec.md §5 "Shared resources").
type Client struct {
	base *url.URL

	secure   *http.Client
	insecure *http.Client

	sntpServer      string
	disableTimeSync bool
	syncedClock     bool
	syncMu          sync.Mutex

	mu           sync.Mutex
	httpsStreak  int
	fallbackNext bool
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("hubclient: parse base url: %w", err)
	}
	tlsCfg := buildTLSConfig(cfg.TLS)
	dialer := &net.Dialer{Timeout: ConnectTimeout}
	c := &Client{
		base: base,
		secure: &http.Client{
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				TLSClientConfig:       tlsCfg,
				ResponseHeaderTimeout: HeaderTimeout,
			},
		},
		insecure: &http.Client{
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				ResponseHeaderTimeout: HeaderTimeout,
			},
		},
		sntpServer:      cfg.SNTPServer,
		disableTimeSync: cfg.DisableTimeSync,
	}
	return c, nil
}

// targetURL returns the absolute URL for path, honoring the one-call
// HTTPS fallback described in spec.md §4.3 / scenario S6.
func (c *Client) targetURL(path string) (u *url.URL, useFallback bool) {
	c.mu.Lock()
	fb := c.fallbackNext
	c.fallbackNext = false
	c.mu.Unlock()

	target := *c.base
	target.Path = strings.TrimRight(target.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if fb && target.Scheme == "https" {
		target.Scheme = "http"
		target.Host = hostOnly(target.Host) + ":80"
		return &target, true
	}
	return &target, false
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

func (c *Client) recordResult(usedFallback bool, connectFailed bool) {
	if usedFallback {
		return // fallback calls don't touch the TLS failure streak
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if connectFailed {
		c.httpsStreak++
		if c.httpsStreak >= MaxHTTPSFail {
			c.fallbackNext = true
		}
		return
	}
	c.httpsStreak = 0
}

// PostJSON issues a bounded JSON POST and decodes the response into out
// (which may be nil to discard the body). headers are merged in after
// Content-Type.
func (c *Client) PostJSON(ctx context.Context, path string, headers map[string]string, body, out interface{}) (status int, err error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("hubclient: marshal request: %w", err)
	}

	target, usedFallback := c.targetURL(path)
	client := c.secure
	if usedFallback || target.Scheme == "http" {
		client = c.insecure
	} else {
		c.maybeSyncClock(ctx)
	}

	if err := checkHeadBudget(target.Path, headers, len(payload)); err != nil {
		return 0, err
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("hubclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if !usedFallback && target.Scheme == "https" {
			c.recordResult(false, true)
		}
		return 0, fmt.Errorf("hubclient: post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if !usedFallback && target.Scheme == "https" {
		c.recordResult(false, false)
	}

	// Enforce the body-read timeout distinctly from header wait.
	bodyTimer := time.AfterFunc(BodyTimeout, cancel)
	defer bodyTimer.Stop()

	limited := io.LimitReader(resp.Body, MaxResponseBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("hubclient: read body: %w", err)
	}
	if len(raw) > MaxResponseBytes {
		return resp.StatusCode, ErrResponseTooLarge
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("hubclient: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) maybeSyncClock(ctx context.Context) {
	if c.disableTimeSync || c.sntpServer == "" {
		return
	}
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	if c.syncedClock {
		return
	}
	c.syncedClock = true
	syncClockOnce(ctx, c.sntpServer)
}

// checkHeadBudget approximates the fixed header buffer a microcontroller
// client would use (spec.md §4.3(b)): request line + the headers this
// client sets, excluding the body itself.
func checkHeadBudget(path string, headers map[string]string, bodyLen int) error {
	n := len(fmt.Sprintf("POST %s HTTP/1.1\r\n", path))
	n += len("Content-Type: application/json\r\n")
	n += len(fmt.Sprintf("Content-Length: %d\r\n", bodyLen))
	for k, v := range headers {
		n += len(k) + len(v) + 4
	}
	if n > MaxRequestHeadBytes {
		return ErrRequestHeadTooLarge
	}
	return nil
}
