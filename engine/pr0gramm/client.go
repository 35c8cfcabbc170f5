// Package pr0gramm implements the authenticated upstream API client: the
// post and tag feeds, media downloads, and session handling. The client is
// safe for concurrent use; login is serialized, everything else is
// stateless per request.
package pr0gramm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ReneHollander/rep0st/engine/domain"
	"github.com/ReneHollander/rep0st/pkg/fn"
	"github.com/ReneHollander/rep0st/pkg/resilience"
	"golang.org/x/time/rate"
)

// Default endpoint hosts.
const (
	DefaultBaseURLAPI  = "https://pr0gramm.com/api"
	DefaultBaseURLImg  = "https://img.pr0gramm.com"
	DefaultBaseURLVid  = "https://vid.pr0gramm.com"
	DefaultBaseURLFull = "https://full.pr0gramm.com"
)

// requestTimeout caps every single upstream request.
const requestTimeout = 60 * time.Second

// MediaKind selects which media host serves a path.
type MediaKind int

const (
	KindImage MediaKind = iota
	KindVideo
	KindFullsize
)

// Config holds endpoints, credentials, and the optional dev id ceiling.
type Config struct {
	BaseURLAPI  string
	BaseURLImg  string
	BaseURLVid  string
	BaseURLFull string
	User        string
	Password    string
	// LimitIDTo caps iteration for local corpora; 0 means unlimited.
	LimitIDTo uint64
}

// Client talks to the upstream API. One session cookie per process.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
	log     *slog.Logger

	retry      fn.RetryOpts
	loginRetry fn.RetryOpts

	loginMu sync.Mutex
}

// defaultRetry is the backoff for transient failures: 3 attempts with 3s
// and 9s waits between them.
var defaultRetry = fn.RetryOpts{
	MaxAttempts: 3,
	InitialWait: 3 * time.Second,
	MaxWait:     30 * time.Second,
	Multiplier:  3,
}

// defaultLoginRetry retries login transport failures with a flat 10s wait.
var defaultLoginRetry = fn.RetryOpts{
	MaxAttempts: 3,
	InitialWait: 10 * time.Second,
	MaxWait:     10 * time.Second,
	Multiplier:  1,
}

// NewClient creates a Client. Login happens lazily on the first 403.
func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.BaseURLAPI == "" {
		cfg.BaseURLAPI = DefaultBaseURLAPI
	}
	if cfg.BaseURLImg == "" {
		cfg.BaseURLImg = DefaultBaseURLImg
	}
	if cfg.BaseURLVid == "" {
		cfg.BaseURLVid = DefaultBaseURLVid
	}
	if cfg.BaseURLFull == "" {
		cfg.BaseURLFull = DefaultBaseURLFull
	}
	if log == nil {
		log = slog.Default()
	}
	jar, _ := cookiejar.New(nil)
	return &Client{
		cfg:        cfg,
		http:       &http.Client{Timeout: requestTimeout, Jar: jar},
		limiter:    rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		breaker:    resilience.NewBreaker(resilience.BreakerOpts{IsFailure: isTransient}),
		log:        log,
		retry:      defaultRetry,
		loginRetry: defaultLoginRetry,
	}
}

// isTransient classifies errors for the download breaker. 404 and auth
// failures are answers, not upstream health; only exhausted transient
// retries count.
func isTransient(err error) bool {
	return errors.Is(err, domain.ErrUpstreamTransient)
}

// CloseIdleConnections releases pooled upstream connections.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

// Login posts the credential form and stores the session cookie in the jar.
// A rejected login or a ban is permanent; transport errors are retried.
func (c *Client) Login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	form := url.Values{
		"name":     {c.cfg.User},
		"password": {c.cfg.Password},
	}

	result := fn.Retry(ctx, c.loginRetry, func(ctx context.Context) fn.Result[loginResponse] {
		if err := c.limiter.Wait(ctx); err != nil {
			return fn.Err[loginResponse](fn.Permanent(err))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.cfg.BaseURLAPI+"/user/login", strings.NewReader(form.Encode()))
		if err != nil {
			return fn.Err[loginResponse](fn.Permanent(err))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.http.Do(req)
		if err != nil {
			return fn.Err[loginResponse](fmt.Errorf("pr0gramm: login request: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fn.Errf[loginResponse]("pr0gramm: login status %d", resp.StatusCode)
		}
		var lr loginResponse
		if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
			return fn.Err[loginResponse](fmt.Errorf("pr0gramm: login decode: %w", err))
		}
		return fn.Ok(lr)
	})

	lr, err := result.Unwrap()
	if err != nil {
		return fmt.Errorf("pr0gramm: login: %w: %w", domain.ErrUpstreamTransient, err)
	}
	if lr.Ban != nil && lr.Ban.Banned {
		return fmt.Errorf("pr0gramm: account banned (%s): %w", lr.Ban.Reason, domain.ErrUpstreamAuth)
	}
	if !lr.Success {
		return fmt.Errorf("pr0gramm: login rejected: %w", domain.ErrUpstreamAuth)
	}
	c.log.Info("pr0gramm: logged in", "user", c.cfg.User)
	return nil
}

// get fetches a URL with the full request policy: rate limit, 403 relogin
// with one retry, 404 fails fast, transient errors back off 3s/9s before
// failing with ErrUpstreamTransient.
func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	result := fn.Retry(ctx, c.retry, func(ctx context.Context) fn.Result[[]byte] {
		return c.getOnce(ctx, rawURL)
	})
	data, err := result.Unwrap()
	if err == nil {
		return data, nil
	}
	if fn.IsPermanent(err) {
		return nil, err
	}
	return nil, fmt.Errorf("pr0gramm: get %s: %w: %w", rawURL, domain.ErrUpstreamTransient, err)
}

func (c *Client) getOnce(ctx context.Context, rawURL string) fn.Result[[]byte] {
	if err := c.limiter.Wait(ctx); err != nil {
		return fn.Err[[]byte](fn.Permanent(err))
	}

	resp, err := c.doGet(ctx, rawURL)
	if err != nil {
		return fn.Err[[]byte](err)
	}

	if resp.StatusCode == http.StatusForbidden {
		drain(resp)
		c.log.Info("pr0gramm: session expired, logging in again")
		if err := c.Login(ctx); err != nil {
			return fn.Err[[]byte](fn.Permanent(err))
		}
		resp, err = c.doGet(ctx, rawURL)
		if err != nil {
			return fn.Err[[]byte](err)
		}
		if resp.StatusCode == http.StatusForbidden {
			drain(resp)
			return fn.Err[[]byte](fn.Permanent(
				fmt.Errorf("pr0gramm: %s still forbidden after login: %w", rawURL, domain.ErrUpstreamAuth)))
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fn.Err[[]byte](fn.Permanent(
			fmt.Errorf("pr0gramm: %s: %w", rawURL, domain.ErrUpstreamNotFound)))
	case resp.StatusCode != http.StatusOK:
		return fn.Errf[[]byte]("pr0gramm: %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fn.Err[[]byte](fmt.Errorf("pr0gramm: read %s: %w", rawURL, err))
	}
	return fn.Ok(data)
}

func (c *Client) doGet(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fn.Permanent(err)
	}
	return c.http.Do(req)
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// items fetches one feed page with ids greater than newer.
func (c *Client) items(ctx context.Context, newer uint64) (itemsResponse, error) {
	u := fmt.Sprintf("%s/items/get?flags=%d&promoted=0&newer=%d", c.cfg.BaseURLAPI, domain.FlagAll, newer)
	data, err := c.get(ctx, u)
	if err != nil {
		return itemsResponse{}, err
	}
	var ir itemsResponse
	if err := json.Unmarshal(data, &ir); err != nil {
		return itemsResponse{}, fmt.Errorf("pr0gramm: decode items page: %w", err)
	}
	return ir, nil
}

// tags fetches one tag page with ids greater than newer.
func (c *Client) tags(ctx context.Context, newer uint64) ([]domain.Tag, error) {
	u := fmt.Sprintf("%s/tags/latest?id=%d", c.cfg.BaseURLAPI, newer)
	data, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	var tr tagsResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("pr0gramm: decode tags page: %w", err)
	}
	tags := make([]domain.Tag, len(tr.Tags))
	for i, t := range tr.Tags {
		tags[i] = t.toTag()
	}
	return tags, nil
}

// Download fetches raw media bytes from the host selected by kind. All
// downloads share a circuit breaker: when upstream keeps failing after
// retries, further downloads fail fast until a probe gets through again.
func (c *Client) Download(ctx context.Context, kind MediaKind, path string) ([]byte, error) {
	var base string
	switch kind {
	case KindVideo:
		base = c.cfg.BaseURLVid
	case KindFullsize:
		base = c.cfg.BaseURLFull
	default:
		base = c.cfg.BaseURLImg
	}
	u := base + "/" + strings.TrimPrefix(path, "/")

	var data []byte
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		data, err = c.get(ctx, u)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, fmt.Errorf("pr0gramm: download %s: %w: %w", path, domain.ErrUpstreamTransient, err)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
