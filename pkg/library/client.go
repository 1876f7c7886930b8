package library

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"
)

const (
	DefaultBaseURL   = "https://biblioteca.iftm.edu.br"
	DefaultLoginPath = "/Login/Login"
	DefaultListPath  = "/emprestimo/ListarCirculacoesEmAberto"
	DefaultRenewPath = "/emprestimo/ListarCirculacoesEmAberto"
	DefaultTimeout   = 30 * time.Second

	// maxBodyBytes caps how much of a response is read into memory
	maxBodyBytes = 8 << 20
	// maxErrorBody caps the body kept on a ProtocolError
	maxErrorBody = 512
)

// ClientConfig holds the backend endpoint settings.
type ClientConfig struct {
	BaseURL   string
	LoginPath string
	ListPath  string
	RenewPath string
	Timeout   time.Duration
	UserAgent string
}

// Observer receives one call per HTTP request. status is the HTTP status
// code, or "transport_error".
type Observer interface {
	ObserveRequest(stage Stage, status string, duration time.Duration)
}

// HTTPClientFactory builds the http.Client a new session will use.
type HTTPClientFactory func(jar http.CookieJar, timeout time.Duration) *http.Client

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger used for request logging.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithObserver sets a request observer (metrics).
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// WithHTTPClientFactory overrides how session HTTP clients are built.
func WithHTTPClientFactory(f HTTPClientFactory) Option {
	return func(c *Client) {
		c.newHTTPClient = f
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// Client talks to the library web API. It holds no session state; every
// call takes the Session it should use.
type Client struct {
	cfg           ClientConfig
	loginURL      string
	listURL       string
	renewURL      string
	logger        zerolog.Logger
	observer      Observer
	newHTTPClient HTTPClientFactory
	now           func() time.Time
}

// NewClient creates a new library client
func NewClient(cfg ClientConfig, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = DefaultLoginPath
	}
	if cfg.ListPath == "" {
		cfg.ListPath = DefaultListPath
	}
	if cfg.RenewPath == "" {
		cfg.RenewPath = DefaultRenewPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", cfg.BaseURL)
	}

	c := &Client{
		cfg:           cfg,
		loginURL:      base.JoinPath(cfg.LoginPath).String(),
		listURL:       base.JoinPath(cfg.ListPath).String(),
		renewURL:      base.JoinPath(cfg.RenewPath).String(),
		logger:        log.Logger,
		newHTTPClient: defaultHTTPClient,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func defaultHTTPClient(jar http.CookieJar, timeout time.Duration) *http.Client {
	return &http.Client{
		Jar:     jar,
		Timeout: timeout,
	}
}

// Authenticate logs in and returns a session carrying the backend's cookies.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (*Session, error) {
	if creds.Empty() {
		return nil, stageErr(StageAuthenticate, ErrMissingCredentials)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, stageErr(StageAuthenticate, fmt.Errorf("create cookie jar: %w", err))
	}

	payload, err := json.Marshal(loginRequest{
		Identificacao: creds.Identifier,
		Senha:         creds.Secret,
	})
	if err != nil {
		return nil, stageErr(StageAuthenticate, fmt.Errorf("encode login: %w", err))
	}

	hc := c.newHTTPClient(jar, c.cfg.Timeout)
	if _, _, err := c.post(ctx, hc, StageAuthenticate, c.loginURL, payload); err != nil {
		return nil, stageErr(StageAuthenticate, err)
	}

	return &Session{
		client:    hc,
		jar:       jar,
		createdAt: c.now(),
	}, nil
}

// ListOpenLoans fetches the open-loan listing for the session's account.
func (c *Client) ListOpenLoans(ctx context.Context, s *Session) (*LoanBatch, error) {
	if s == nil || s.client == nil {
		return nil, stageErr(StageList, ErrNoSession)
	}

	body, _, err := c.post(ctx, s.client, StageList, c.listURL, nil)
	if err != nil {
		return nil, stageErr(StageList, err)
	}

	batch, err := decodeBatch(body)
	if err != nil {
		c.logger.Error().Err(err).Str("stage", string(StageList)).Msg("Listing response rejected")
		return nil, stageErr(StageList, err)
	}

	c.logger.Debug().
		Int("loans", len(batch.Records)).
		Int("total", batch.Total).
		Msg("Open loans decoded")

	return batch, nil
}

// SubmitRenewal posts the batch's Result object, unchanged, to the renewal
// endpoint.
func (c *Client) SubmitRenewal(ctx context.Context, s *Session, batch *LoanBatch) (*RenewalOutcome, error) {
	if s == nil || s.client == nil {
		return nil, stageErr(StageRenew, ErrNoSession)
	}
	if batch == nil || len(batch.Result) == 0 {
		return nil, stageErr(StageRenew, ErrNoBatch)
	}

	body, status, err := c.post(ctx, s.client, StageRenew, c.renewURL, batch.Result)
	if err != nil {
		return nil, stageErr(StageRenew, err)
	}

	return &RenewalOutcome{
		StatusCode: status,
		Text:       string(body),
	}, nil
}

// post sends a POST and converts every failure into a TransportError or
// ProtocolError. A nil body sends an empty request.
func (c *Client) post(ctx context.Context, hc *http.Client, stage Stage, target string, body []byte) ([]byte, int, error) {
	logger := c.logger.With().
		Str("stage", string(stage)).
		Str("url", target).
		Logger()

	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, reader)
	if err != nil {
		return nil, 0, &TransportError{Op: http.MethodPost, URL: target, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	logger.Info().Msg("Sending request")
	start := time.Now()

	resp, err := hc.Do(req)
	if err != nil {
		c.observe(stage, "transport_error", time.Since(start))
		terr := &TransportError{Op: http.MethodPost, URL: target, Err: err}
		logger.Error().Err(terr).Msg("Request failed")
		return nil, 0, terr
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	elapsed := time.Since(start)
	if err != nil {
		c.observe(stage, "transport_error", elapsed)
		terr := &TransportError{Op: "read body", URL: target, Err: err}
		logger.Error().Err(terr).Msg("Reading response failed")
		return nil, resp.StatusCode, terr
	}

	c.observe(stage, strconv.Itoa(resp.StatusCode), elapsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		perr := &ProtocolError{
			URL:        target,
			StatusCode: resp.StatusCode,
			Status:     statusText(resp),
			Body:       truncate(string(payload), maxErrorBody),
		}
		logger.Error().
			Int("status", resp.StatusCode).
			Err(perr).
			Msg("HTTP error")
		return nil, resp.StatusCode, perr
	}

	logger.Info().
		Int("status", resp.StatusCode).
		Dur("duration", elapsed).
		Msg("Request succeeded")

	return payload, resp.StatusCode, nil
}

func (c *Client) observe(stage Stage, status string, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveRequest(stage, status, d)
	}
}

func statusText(resp *http.Response) string {
	if resp.Status != "" {
		return resp.Status
	}
	return fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
