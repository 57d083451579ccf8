// Package httpapi implements the request/response transport of the engine
// over HTTP and JSON.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/livesync/internal/core/observability/log"
	"github.com/zeusync/livesync/internal/core/sync/errs"
	"github.com/zeusync/livesync/internal/core/sync/model"
	"github.com/zeusync/livesync/internal/core/sync/validate"
	"github.com/zeusync/livesync/pkg/generic"
)

const (
	PollPath   = "/v1/sync/poll"
	SubmitPath = "/v1/sync/changes"

	DefaultTimeout = 15 * time.Second
	// maxBody bounds how much of a response is read.
	maxBody = 8 << 20
)

var buffers = generic.NewBufferPool()

type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Validator  *validate.Validator
	Logger     log.Log
}

// Client polls and submits against the collaboration API. It does not retry;
// failures are classified so the engine can decide.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	validator  *validate.Validator
	logger     log.Log
}

func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("httpapi: base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("httpapi: invalid base url: %w", err)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if opts.Validator == nil {
		v, err := validate.New()
		if err != nil {
			return nil, err
		}
		opts.Validator = v
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: opts.HTTPClient,
		validator:  opts.Validator,
		logger:     opts.Logger.With(log.String("component", "httpapi")),
	}, nil
}

// Poll fetches everything newer than since. since=0 asks for a full snapshot.
func (c *Client) Poll(ctx context.Context, since int64) (model.PollResult, error) {
	q := url.Values{}
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	path := PollPath
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	raw, err := c.doJSON(ctx, "poll", http.MethodGet, path, nil)
	if err != nil {
		return model.PollResult{}, err
	}
	return c.validator.ParsePoll(raw)
}

// Submit sends one change and returns the server's verdict.
func (c *Client) Submit(ctx context.Context, change model.Change) (model.SubmitResult, error) {
	raw, err := c.doJSON(ctx, "submit", http.MethodPost, SubmitPath, change)
	if err != nil {
		return model.SubmitResult{}, err
	}
	res, err := c.validator.ParseSubmit(raw)
	if err != nil {
		return model.SubmitResult{}, err
	}
	if res.ChangeID != change.ID {
		return model.SubmitResult{}, errs.Corruption("submit", "response for change %s answers %s", change.ID, res.ChangeID)
	}
	return res, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, requestPath string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, errs.Validation(op, err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return nil, errs.Permanent(op, "bad_request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Transient(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	buf := buffers.Get()
	defer buffers.Put(buf)
	if _, err = buf.ReadFrom(io.LimitReader(resp.Body, maxBody)); err != nil {
		return nil, errs.Transient(op, err)
	}
	payload := bytes.Clone(buf.Bytes())
	c.logger.Debug("Request completed",
		log.String("op", op),
		log.Int("status", resp.StatusCode),
		log.Duration("latency", time.Since(start)))

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return payload, nil
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	message := errPayload.Message
	if message == "" && errPayload.Code != "" {
		message = errPayload.Code
	}
	return nil, errs.FromStatus(op, resp.StatusCode, message)
}
