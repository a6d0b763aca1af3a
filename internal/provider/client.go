package provider

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec // signature scheme is fixed by the provider
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	userAgent      = "kscoord/0.1"
	formMediaType  = "application/x-www-form-urlencoded"
	maxBodyBytes   = 1 << 20
	defaultSession = time.Hour

	pathLogin    = "/api/login"
	pathPlayer   = "/api/player"
	pathGiftCode = "/api/gift_code"
)

// Operation kinds understood by Execute. They match the coordinator's kind
// names so the boundary stays a plain string.
const (
	KindMemberAdd    = "member_add"
	KindControlCheck = "control_check"
	KindGiftRedeem   = "gift_redeem"
)

// Credentials identify the operator account used to open a session.
// The secret also signs every request form.
type Credentials struct {
	Account string
	Secret  string
}

// Call is one operation to execute against the provider.
type Call struct {
	Kind    string
	Target  string
	Payload string
}

// Response is the decoded reply to an executed call. Code is the provider's
// err_code and is zero when the call succeeded outright.
type Response struct {
	StatusCode int
	Code       int
	Message    string
	Body       []byte
}

// Client talks to the account service over HTTP. Every call is a single
// attempt: retries, pacing and session refresh belong to the caller.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      Credentials
	logger     *slog.Logger

	// nowFunc stamps the signed form. Tests override it for stable signatures.
	nowFunc func() time.Time
}

// NewClient creates a provider client.
func NewClient(baseURL string, httpClient *http.Client, creds Credentials, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		creds:      creds,
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// envelope is the JSON reply shape shared by every endpoint.
type envelope struct {
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	ErrCode json.RawMessage `json:"err_code"`
	Data    json.RawMessage `json:"data"`
}

type loginData struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// Login opens a session for the configured account. The returned token's
// Expiry is derived from the server's expires_in (one hour if absent).
func (c *Client) Login(ctx context.Context) (*oauth2.Token, error) {
	form := url.Values{}
	form.Set("account", c.creds.Account)

	resp, body, err := c.post(ctx, pathLogin, "", form)
	if err != nil {
		return nil, err
	}

	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}

	if env.Code != 0 {
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Message:    env.Msg,
			Err:        ErrUnauthorized,
		}
	}

	var data loginData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
		return nil, fmt.Errorf("%w: login reply has no token", ErrMalformed)
	}

	ttl := time.Duration(data.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = defaultSession
	}

	tok := &oauth2.Token{
		AccessToken: data.Token,
		TokenType:   "Bearer",
		Expiry:      c.nowFunc().Add(ttl),
	}

	c.logger.Info("provider session opened",
		slog.String("account", c.creds.Account),
		slog.Time("expiry", tok.Expiry),
	)

	return tok, nil
}

// Execute performs one call with the given session token.
func (c *Client) Execute(ctx context.Context, token string, call Call) (*Response, error) {
	form := url.Values{}
	form.Set("fid", call.Target)

	path := pathPlayer

	switch call.Kind {
	case KindMemberAdd, KindControlCheck:
	case KindGiftRedeem:
		path = pathGiftCode
		form.Set("cdk", call.Payload)
	default:
		return nil, fmt.Errorf("provider: unknown call kind %q", call.Kind)
	}

	resp, body, err := c.post(ctx, path, token, form)
	if err != nil {
		return nil, err
	}

	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}

	code := 0
	if env.Code != 0 {
		code = parseErrCode(env.ErrCode)
		if code == 0 {
			code = env.Code
		}
	}

	c.logger.Debug("provider call completed",
		slog.String("kind", call.Kind),
		slog.String("target", call.Target),
		slog.Int("code", code),
	)

	return &Response{
		StatusCode: resp.StatusCode,
		Code:       code,
		Message:    env.Msg,
		Body:       body,
	}, nil
}

// post sends a signed form and returns the response with its body read.
// Non-2xx replies are converted to *Error.
func (c *Client) post(ctx context.Context, path, token string, form url.Values) (*http.Response, []byte, error) {
	form.Set("time", strconv.FormatInt(c.nowFunc().UnixMilli(), 10))
	payload := Sign(form, c.creds.Secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("provider: creating request: %w", err)
	}

	req.Header.Set("Content-Type", formMediaType)
	req.Header.Set("User-Agent", userAgent)

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, fmt.Errorf("%w: %s %s", ErrTimeout, path, err.Error())
		}

		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("provider: request canceled: %w", ctx.Err())
		}

		return nil, nil, fmt.Errorf("%w: %s", ErrTransport, err.Error())
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if readErr != nil {
		if errors.Is(readErr, context.DeadlineExceeded) {
			return nil, nil, fmt.Errorf("%w: reading %s: %s", ErrTimeout, path, readErr.Error())
		}

		return nil, nil, fmt.Errorf("%w: reading %s: %s", ErrTransport, path, readErr.Error())
	}

	if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
		return nil, nil, &Error{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Message:    string(bytes.TrimSpace(body)),
			Err:        sentinel,
		}
	}

	return resp, body, nil
}

// Sign encodes form in sorted key order and prefixes the provider signature:
// sign=md5(encoded+secret)&encoded.
func Sign(form url.Values, secret string) string {
	encoded := form.Encode()
	sum := md5.Sum([]byte(encoded + secret)) //nolint:gosec // provider-mandated

	return "sign=" + hex.EncodeToString(sum[:]) + "&" + encoded
}

func decodeEnvelope(body []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err.Error())
	}

	return &env, nil
}

// parseErrCode accepts err_code as a JSON number or a (possibly empty) string.
func parseErrCode(raw json.RawMessage) int {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}

	return n
}

// parseRetryAfter reads a delay-seconds Retry-After header.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}

	seconds, err := strconv.Atoi(v)
	if err != nil || seconds <= 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}
