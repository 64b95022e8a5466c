// Package api is the client for the plant diagnosis backend. Every failure
// it returns is an *apierr.Error.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/patrickmn/go-cache"

	"plant-doctor/internal/apierr"
	"plant-doctor/pkg/logger"
)

const (
	apiPrefix        = "/api/v1"
	maxResponseBytes = 10 << 20
	defaultUserAgent = "plant-doctor"
)

// Timeouts bounds each class of call. Analysis gets the most room because
// the first request after a cold start warms the remote model.
type Timeouts struct {
	Auth     time.Duration
	Metadata time.Duration
	Analysis time.Duration
	Upgrade  time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Auth:     15 * time.Second,
		Metadata: 5 * time.Second,
		Analysis: 60 * time.Second,
		Upgrade:  10 * time.Second,
	}
}

// Observer receives one callback per finished request.
type Observer interface {
	ObserveRequest(op string, outcome string, elapsed time.Duration)
}

type Config struct {
	BaseURL   string
	UserAgent string
	Timeouts  Timeouts
	// HTTPClient defaults to a client without its own timeout; deadlines
	// come from the per-call context.
	HTTPClient *http.Client
	// OnUnauthorized runs when an authenticated call gets a 401, before
	// the error is returned.
	OnUnauthorized func()
	// IdentifyCacheTTL keeps identification results for identical images.
	// Zero disables the cache.
	IdentifyCacheTTL time.Duration
	Observer         Observer
	Logger           *logger.Logger
}

type Client struct {
	baseURL        string
	userAgent      string
	timeouts       Timeouts
	http           *http.Client
	onUnauthorized func()
	identified     *cache.Cache
	observer       Observer
	validate       *validator.Validate
	logger         *logger.Logger
}

func New(cfg Config) *Client {
	def := DefaultTimeouts()
	t := cfg.Timeouts
	if t.Auth <= 0 {
		t.Auth = def.Auth
	}
	if t.Metadata <= 0 {
		t.Metadata = def.Metadata
	}
	if t.Analysis <= 0 {
		t.Analysis = def.Analysis
	}
	if t.Upgrade <= 0 {
		t.Upgrade = def.Upgrade
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewNop()
	}

	c := &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:      ua,
		timeouts:       t,
		http:           httpClient,
		onUnauthorized: cfg.OnUnauthorized,
		observer:       cfg.Observer,
		validate:       validator.New(),
		logger:         log.Named("api"),
	}
	if cfg.IdentifyCacheTTL > 0 {
		c.identified = cache.New(cfg.IdentifyCacheTTL, cfg.IdentifyCacheTTL*2)
	}
	return c
}

func (c *Client) Timeouts() Timeouts { return c.timeouts }

// call describes one request.
type call struct {
	op          string
	flow        apierr.Flow
	method      string
	path        string
	token       string
	timeout     time.Duration
	body        io.Reader
	contentType string
}

func (c *Client) url(path string) string {
	return c.baseURL + apiPrefix + path
}

// do executes the call and returns the raw 2xx body.
func (c *Client) do(ctx context.Context, cl call) (body []byte, err error) {
	start := time.Now()
	defer func() {
		if c.observer != nil {
			outcome := "ok"
			if err != nil {
				outcome = string(apierr.KindOf(err))
			}
			c.observer.ObserveRequest(cl.op, outcome, time.Since(start))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, cl.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, cl.method, c.url(cl.path), cl.body)
	if err != nil {
		return nil, apierr.FromTransport(cl.op, fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if cl.contentType != "" {
		req.Header.Set("Content-Type", cl.contentType)
	}
	if cl.token != "" {
		req.Header.Set("Authorization", "Bearer "+cl.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debugw("Request failed", "op", cl.op, "error", err)
		return nil, apierr.FromTransport(cl.op, err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apierr.FromTransport(cl.op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := extractDetail(body)
		e := apierr.FromStatus(cl.op, cl.flow, resp.StatusCode, detail)
		if resp.StatusCode == http.StatusUnauthorized && cl.flow == apierr.FlowSession {
			c.logger.Warnw("Token rejected, invalidating", "op", cl.op)
			if c.onUnauthorized != nil {
				c.onUnauthorized()
			}
		}
		return nil, e
	}

	return body, nil
}

// doJSON sends in as JSON (when non-nil) and decodes the reply into out
// (when non-nil).
func (c *Client) doJSON(ctx context.Context, cl call, in, out any) error {
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return apierr.FromTransport(cl.op, fmt.Errorf("failed to encode request: %w", err))
		}
		cl.body = bytes.NewReader(buf)
		cl.contentType = "application/json"
	}

	body, err := c.do(ctx, cl)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apierr.InvalidResponse(cl.op, err)
	}
	return nil
}

// extractDetail pulls the server reason out of an error body: the first of
// detail, message or error, or the raw text.
func extractDetail(body []byte) string {
	if len(bytes.TrimSpace(body)) == 0 {
		return ""
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		text := strings.TrimSpace(string(body))
		if len(text) > 200 {
			text = text[:200]
		}
		return text
	}
	for _, key := range []string{"detail", "message", "error"} {
		switch v := payload[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case []any:
			// validation errors: [{"msg": "..."}]
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					if msg, ok := m["msg"].(string); ok {
						return msg
					}
				}
			}
		case map[string]any:
			if msg, ok := v["message"].(string); ok {
				return msg
			}
		}
	}
	return ""
}

func requireToken(op, token string) error {
	if strings.TrimSpace(token) == "" {
		return apierr.Unauthorized(op)
	}
	return nil
}
