// Package solver implements the JSON-over-HTTP bridge to the external
// challenge-solving service (C2), plus the compound get_media_url
// operation that drives a controlled headless browser to capture the
// first outbound network request matching a post's media asset.
//
// The HTTP client shape (UA rotation, ban-like error classification) is
// adapted from the donor's internal/fetcher/http.go; the client keeps no
// cookie jar and does no response decompression of its own. The browser launch flags and
// stealth patches are adapted from internal/fetcher/browser.go and
// internal/fetcher/stealth.go.
package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	neturl "net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/lakshaybot/pullcron/internal/errs"
)

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

// banSubstrings are message fragments that indicate a ban-like response.
// Overlaps with benign session-lifecycle text are intentional — the
// spec's own design notes call this out as unresolved. The client itself
// does not retry; callers (internal/fetch) renew the session and retry,
// which absorbs any false positives.
var banSubstrings = []string{"session", "ban", "block", "403", "captcha", "challenge"}

// DetectBanLike reports whether a solver message indicates the session
// was banned, blocked, or challenged.
func DetectBanLike(message string) bool {
	lower := strings.ToLower(message)
	for _, s := range banSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// request is the JSON body sent to the solver service.
type request struct {
	Cmd        string `json:"cmd"`
	Session    string `json:"session,omitempty"`
	URL        string `json:"url,omitempty"`
	UserAgent  string `json:"userAgent,omitempty"`
	MaxTimeout int64  `json:"maxTimeout,omitempty"`
}

// response is the JSON body returned by the solver service.
type response struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Session  string `json:"session"`
	Solution struct {
		URL       string            `json:"url"`
		Status    int               `json:"status"`
		Response  string            `json:"response"`
		UserAgent string            `json:"userAgent"`
		Cookies   []solvedCookie    `json:"cookies"`
		Headers   map[string]string `json:"headers"`
	} `json:"solution"`
}

type solvedCookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

// Client is a JSON-over-HTTP client to a local challenge-solver
// service, with a rotating pool of plausible browser user-agents and
// the currently-issued solver session id.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	userAgents []string
	uaIndex    atomic.Int64

	mu        sync.Mutex
	sessionID string

	mediaExtension string
	cdnHost        string
}

// Option configures a Client.
type Option func(*Client)

// WithUserAgents overrides the rotating user-agent pool.
func WithUserAgents(uas []string) Option {
	return func(c *Client) {
		if len(uas) > 0 {
			c.userAgents = uas
		}
	}
}

// WithMediaSignature sets the extension and CDN host used to recognize
// a post's media asset in captured network traffic.
func WithMediaSignature(extension, cdnHost string) Option {
	return func(c *Client) {
		c.mediaExtension = extension
		c.cdnHost = cdnHost
	}
}

// New builds a Client against the solver's base URL.
func New(baseURL string, timeout time.Duration, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     &http.Client{Timeout: timeout},
		logger:         logger.With("component", "solver_client"),
		userAgents:     defaultUserAgents,
		mediaExtension: ".vid",
		cdnHost:        "cdn",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NextUserAgent returns the next user-agent in round-robin rotation
// with a small random jump, so repeated acquisitions do not always
// land on the same string.
func (c *Client) NextUserAgent() string {
	jump := 1 + rand.Intn(2)
	idx := c.uaIndex.Add(int64(jump)) % int64(len(c.userAgents))
	if idx < 0 {
		idx += int64(len(c.userAgents))
	}
	return c.userAgents[idx]
}

func (c *Client) do(ctx context.Context, req request) (*response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal solver request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build solver request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("solver %s: %w", req.Cmd, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read solver response: %w", err)
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode solver response: %w", err)
	}
	return &resp, nil
}

// TestConnection is a trivial reachability probe. Both HTTP success and
// a documented "method not allowed" response count as reachable.
func (c *Client) TestConnection(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusMethodNotAllowed
}

// CreateSession issues sessions.create and stores the returned id.
func (c *Client) CreateSession(ctx context.Context, userAgent string) (string, error) {
	resp, err := c.do(ctx, request{Cmd: "sessions.create", UserAgent: userAgent})
	if err != nil {
		return "", err
	}
	if resp.Status != "ok" {
		return "", &errs.SolverError{Op: "sessions.create", Message: resp.Message, BanLike: DetectBanLike(resp.Message)}
	}
	c.mu.Lock()
	c.sessionID = resp.Session
	c.mu.Unlock()
	return resp.Session, nil
}

// DestroySession issues sessions.destroy; clears id. Idempotent.
func (c *Client) DestroySession(ctx context.Context) error {
	c.mu.Lock()
	sid := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()

	if sid == "" {
		return nil
	}
	_, err := c.do(ctx, request{Cmd: "sessions.destroy", Session: sid})
	return err
}

// GetPage issues request.get on the current session with a 2-minute
// deadline, returning the solved HTML body plus the final cookie set
// and user agent the solver actually used.
func (c *Client) GetPage(ctx context.Context, url string) (html string, cookies []*http.Cookie, userAgent string, err error) {
	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	resp, err := c.do(reqCtx, request{Cmd: "request.get", Session: sid, URL: url, MaxTimeout: int64(2 * time.Minute / time.Millisecond)})
	if err != nil {
		return "", nil, "", err
	}

	if resp.Status != "ok" {
		if DetectBanLike(resp.Message) {
			return "", nil, "", &errs.SolverError{Op: "request.get", Message: resp.Message, BanLike: true}
		}
		return "", nil, "", &errs.SolverError{Op: "request.get", Message: resp.Message}
	}

	for _, sc := range resp.Solution.Cookies {
		cookies = append(cookies, &http.Cookie{Name: sc.Name, Value: sc.Value, Domain: sc.Domain, Path: sc.Path})
	}

	return resp.Solution.Response, cookies, resp.Solution.UserAgent, nil
}

// IsBanLike reports whether err originated from a ban-like solver
// response.
func IsBanLike(err error) bool {
	var se *errs.SolverError
	return errors.As(err, &se) && se.BanLike
}

// GetMediaURL is the compound operation described in the spec: acquire
// cookies + UA via GetPage, drive a headless browser with those
// cookies/UA to the post page, and capture the first outbound network
// request whose URL contains postID and ends in the media extension, or
// whose host matches the known CDN. First match wins; the browser is
// then closed. Returns the final URL after following redirects via
// HEAD, the pre-redirect URL if redirect-following fails, or nothing if
// no matching request was observed within 15 seconds.
func (c *Client) GetMediaURL(ctx context.Context, postURL, postID string) (string, error) {
	html, cookies, ua, err := c.GetPage(ctx, postURL)
	if err != nil {
		return "", err
	}
	_ = html

	browserURL, err := launcher.New().
		Headless(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-web-security").
		Set("disable-blink-features", "AutomationControlled").
		Launch()
	if err != nil {
		return "", fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(browserURL)
	if err := browser.Connect(); err != nil {
		return "", fmt.Errorf("connect browser: %w", err)
	}
	defer browser.Close()

	page, err := stealth.Page(browser)
	if err != nil {
		return "", fmt.Errorf("stealth page: %w", err)
	}

	if ua != "" {
		_ = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua})
	}
	if len(cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(cookies))
		for _, ck := range cookies {
			params = append(params, &proto.NetworkCookieParam{
				Name:   ck.Name,
				Value:  ck.Value,
				Domain: ck.Domain,
				Path:   ck.Path,
			})
		}
		_ = page.SetCookies(params)
	}

	matchCh := make(chan string, 1)
	waitCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	go page.EachEvent(func(e *proto.NetworkRequestWillBeSent) {
		u := e.Request.URL
		if strings.Contains(u, postID) && strings.HasSuffix(strings.ToLower(u), c.mediaExtension) {
			select {
			case matchCh <- u:
			default:
			}
			return
		}
		if pu, err := neturl.Parse(u); err == nil && pu.Hostname() == c.cdnHost {
			select {
			case matchCh <- u:
			default:
			}
		}
	})()

	if err := page.Navigate(postURL); err != nil {
		return "", fmt.Errorf("navigate to post: %w", err)
	}

	var captured string
	select {
	case captured = <-matchCh:
	case <-waitCtx.Done():
		return "", nil
	}

	final := c.followHead(ctx, captured)
	return final, nil
}

// followHead issues a HEAD request on the captured URL to surface the
// final CDN URL after redirects. Returns the pre-redirect URL if the
// HEAD request fails.
func (c *Client) followHead(ctx context.Context, rawURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return rawURL
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return rawURL
	}
	defer resp.Body.Close()
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.String()
	}
	return rawURL
}
