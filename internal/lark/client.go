package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL = "https://open.larksuite.com"
	FeishuBaseURL  = "https://open.feishu.cn"

	tokenPath   = "/open-apis/auth/v3/tenant_access_token/internal"
	messagePath = "/open-apis/im/v1/messages"

	// Refresh the tenant token this long before Lark expires it.
	tokenRefreshMargin = 5 * time.Minute
)

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// APIError is a non-2xx status or a non-zero Lark response code.
type APIError struct {
	StatusCode int
	Code       int
	Msg        string
	URL        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lark: %s: status %d code %d: %s", e.URL, e.StatusCode, e.Code, e.Msg)
}

func (e *APIError) HTTPStatusCode() int {
	return e.StatusCode
}

type tokenRequest struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
}

type tokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

type sendRequest struct {
	ReceiveID string `json:"receive_id"`
	MsgType   string `json:"msg_type"`
	Content   string `json:"content"`
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Client sends text messages to Lark chats as a custom app.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	appIDParam  string
	secretParam string
	now         func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if v := strings.TrimRight(strings.TrimSpace(baseURL), "/"); v != "" {
			c.baseURL = v
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client reading app credentials from the given parameter
// names through getter.
func NewClient(getter Getter, appIDParam, secretParam string, opts ...Option) (*Client, error) {
	if getter == nil {
		return nil, errors.New("lark: paramstore getter must not be nil")
	}
	if strings.TrimSpace(appIDParam) == "" || strings.TrimSpace(secretParam) == "" {
		return nil, errors.New("lark: credential parameter names must not be empty")
	}
	c := &Client{
		baseURL:     DefaultBaseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      getter,
		appIDParam:  appIDParam,
		secretParam: secretParam,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Send posts text to the chat identified by chatID.
func (c *Client) Send(ctx context.Context, chatID, text string) error {
	if strings.TrimSpace(chatID) == "" {
		return errors.New("lark: chat id must not be empty")
	}
	token, err := c.tenantToken(ctx)
	if err != nil {
		return err
	}

	content, err := json.Marshal(textContent{Text: text})
	if err != nil {
		return fmt.Errorf("lark: marshal content: %w", err)
	}
	body, err := json.Marshal(sendRequest{
		ReceiveID: chatID,
		MsgType:   messageTypeText,
		Content:   string(content),
	})
	if err != nil {
		return fmt.Errorf("lark: marshal message: %w", err)
	}

	url := c.baseURL + messagePath + "?receive_id_type=chat_id"
	var resp apiResponse
	if err := c.postJSON(ctx, url, token, body, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			c.dropTokenOnAuthError(apiErr.Code)
		}
		return err
	}
	if resp.Code != 0 {
		c.dropTokenOnAuthError(resp.Code)
		return &APIError{StatusCode: http.StatusOK, Code: resp.Code, Msg: resp.Msg, URL: url}
	}
	return nil
}

// tenantToken returns a cached tenant access token, fetching a new one when
// the cached token is missing or close to expiry.
func (c *Client) tenantToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.expiresAt) {
		return c.token, nil
	}

	appID, err := c.getter.GetParameter(ctx, c.appIDParam)
	if err != nil {
		return "", fmt.Errorf("lark: fetch app id: %w", err)
	}
	secret, err := c.getter.GetParameter(ctx, c.secretParam)
	if err != nil {
		return "", fmt.Errorf("lark: fetch app secret: %w", err)
	}
	body, err := json.Marshal(tokenRequest{AppID: strings.TrimSpace(appID), AppSecret: strings.TrimSpace(secret)})
	if err != nil {
		return "", fmt.Errorf("lark: marshal token request: %w", err)
	}

	url := c.baseURL + tokenPath
	var resp tokenResponse
	if err := c.postJSON(ctx, url, "", body, &resp); err != nil {
		return "", err
	}
	if resp.Code != 0 || resp.TenantAccessToken == "" {
		return "", &APIError{StatusCode: http.StatusOK, Code: resp.Code, Msg: resp.Msg, URL: url}
	}

	c.token = resp.TenantAccessToken
	c.expiresAt = c.now().Add(time.Duration(resp.Expire)*time.Second - tokenRefreshMargin)
	return c.token, nil
}

// Lark answers 99991663/99991668 when the tenant token is invalid or expired.
func (c *Client) dropTokenOnAuthError(code int) {
	if code != 99991663 && code != 99991668 {
		return
	}
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *Client) postJSON(ctx context.Context, url, bearer string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("lark: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("lark: request %s: %w", url, err)
	}
	defer func() { _ = res.Body.Close() }()

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("lark: read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: res.StatusCode, URL: url, Msg: string(buf)}
		var resp apiResponse
		if json.Unmarshal(buf, &resp) == nil && resp.Code != 0 {
			apiErr.Code, apiErr.Msg = resp.Code, resp.Msg
		}
		return apiErr
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("lark: decode response: %w", err)
	}
	return nil
}
