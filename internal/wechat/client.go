// Package wechat is the platform boundary: signature verification, XML
// envelopes, the webhook intake server, and the typed HTTP API client.
package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"oabot/internal/credential"
	"oabot/internal/provider"
)

const defaultAPIBase = "https://api.weixin.qq.com"

// apiError is a non-zero errcode from the platform.
type apiError struct {
	Code    int    `json:"errcode"`
	Message string `json:"errmsg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("wechat api error %d: %s", e.Code, e.Message)
}

// Client is the typed wrapper over the platform HTTP API. Access tokens
// come from the credential manager; an errcode 40001 response invalidates
// the token and the call is retried once with a fresh one.
type Client struct {
	creds   *credential.Manager
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

type ClientConfig struct {
	Credentials *credential.Manager
	BaseURL     string
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAPIBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = provider.SharedHTTPClient(30 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		creds:   cfg.Credentials,
		baseURL: cfg.BaseURL,
		http:    cfg.HTTPClient,
		logger:  cfg.Logger.With("component", "wechat-client"),
	}
}

// SendText delivers a customer-service text message.
func (c *Client) SendText(ctx context.Context, openID, text string) error {
	payload := map[string]any{
		"touser":  openID,
		"msgtype": "text",
		"text":    map[string]string{"content": text},
	}
	return c.post(ctx, "/cgi-bin/message/custom/send", payload, &apiError{})
}

// SendImage delivers a customer-service image message by media id.
func (c *Client) SendImage(ctx context.Context, openID, mediaID string) error {
	payload := map[string]any{
		"touser":  openID,
		"msgtype": "image",
		"image":   map[string]string{"media_id": mediaID},
	}
	return c.post(ctx, "/cgi-bin/message/custom/send", payload, &apiError{})
}

// NewsArticle is one card of a customer-service news message.
type NewsArticle struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	PicURL      string `json:"picurl"`
}

// SendNews delivers a customer-service news message.
func (c *Client) SendNews(ctx context.Context, openID string, articles []NewsArticle) error {
	payload := map[string]any{
		"touser":  openID,
		"msgtype": "news",
		"news":    map[string]any{"articles": articles},
	}
	return c.post(ctx, "/cgi-bin/message/custom/send", payload, &apiError{})
}

// DraftArticle is the platform draft-box article shape.
type DraftArticle struct {
	Title   string `json:"title"`
	Author  string `json:"author,omitempty"`
	Digest  string `json:"digest,omitempty"`
	Content string `json:"content"`
}

// AddDraft uploads one article to the draft box, returning its media id.
func (c *Client) AddDraft(ctx context.Context, article DraftArticle) (string, error) {
	var out struct {
		apiError
		MediaID string `json:"media_id"`
	}
	payload := map[string]any{"articles": []DraftArticle{article}}
	if err := c.post(ctx, "/cgi-bin/draft/add", payload, &out); err != nil {
		return "", err
	}
	if out.MediaID == "" {
		return "", fmt.Errorf("draft add returned no media id")
	}
	return out.MediaID, nil
}

// UserInfo is the follower profile subset this system uses.
type UserInfo struct {
	OpenID    string `json:"openid"`
	Nickname  string `json:"nickname"`
	Subscribe int    `json:"subscribe"`
}

func (c *Client) UserInfo(ctx context.Context, openID string) (*UserInfo, error) {
	var out struct {
		apiError
		UserInfo
	}
	q := url.Values{"openid": {openID}, "lang": {"zh_CN"}}
	if err := c.get(ctx, "/cgi-bin/user/info", q, &out); err != nil {
		return nil, err
	}
	return &out.UserInfo, nil
}

// SummaryPoint is one day of the datacube user summary.
type SummaryPoint struct {
	RefDate    string `json:"ref_date"`
	NewUser    int    `json:"new_user"`
	CancelUser int    `json:"cancel_user"`
}

// UserSummary pulls follower movement between two ref dates (inclusive).
func (c *Client) UserSummary(ctx context.Context, beginDate, endDate string) ([]SummaryPoint, error) {
	var out struct {
		apiError
		List []SummaryPoint `json:"list"`
	}
	payload := map[string]string{"begin_date": beginDate, "end_date": endDate}
	if err := c.post(ctx, "/datacube/getusersummary", payload, &out); err != nil {
		return nil, err
	}
	return out.List, nil
}

// ArticleStat is one day of the datacube article totals.
type ArticleStat struct {
	RefDate          string `json:"ref_date"`
	Title            string `json:"title"`
	IntPageReadCount int    `json:"int_page_read_count"`
	ShareCount       int    `json:"share_count"`
}

// ArticleTotal pulls cumulative article stats between two ref dates.
func (c *Client) ArticleTotal(ctx context.Context, beginDate, endDate string) ([]ArticleStat, error) {
	var out struct {
		apiError
		List []ArticleStat `json:"list"`
	}
	payload := map[string]string{"begin_date": beginDate, "end_date": endDate}
	if err := c.post(ctx, "/datacube/getarticletotal", payload, &out); err != nil {
		return nil, err
	}
	return out.List, nil
}

// CreateMenu replaces the account's custom menu.
func (c *Client) CreateMenu(ctx context.Context, menu map[string]any) error {
	return c.post(ctx, "/cgi-bin/menu/create", menu, &apiError{})
}

// GetMenu fetches the current custom menu as raw JSON.
func (c *Client) GetMenu(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.get(ctx, "/cgi-bin/menu/get", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteMenu removes the custom menu.
func (c *Client) DeleteMenu(ctx context.Context) error {
	return c.get(ctx, "/cgi-bin/menu/delete", nil, &apiError{})
}

// post sends payload as JSON. out must be a pointer; when it embeds
// apiError the errcode is checked.
func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.call(ctx, func(token string) (*http.Request, error) {
		u := fmt.Sprintf("%s%s?access_token=%s", c.baseURL, path, url.QueryEscape(token))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, out)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.call(ctx, func(token string) (*http.Request, error) {
		if query == nil {
			query = url.Values{}
		}
		query.Set("access_token", token)
		u := fmt.Sprintf("%s%s?%s", c.baseURL, path, query.Encode())
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}, out)
}

// call executes the request, retrying once with a fresh token when the
// platform reports an expired credential.
func (c *Client) call(ctx context.Context, buildReq func(token string) (*http.Request, error), out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.creds.Token(ctx)
		if err != nil {
			return fmt.Errorf("acquire token: %w", err)
		}

		req, err := buildReq(token)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("wechat request: %w", err)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("wechat HTTP %d: %s", resp.StatusCode, body)
		}

		var probe apiError
		if err := json.Unmarshal(body, &probe); err == nil && probe.Code != 0 {
			if probe.Code == 40001 && attempt == 0 {
				c.logger.Warn("access token rejected, refreshing", "errcode", probe.Code)
				c.creds.Invalidate()
				continue
			}
			return &probe
		}

		if out != nil {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("wechat call failed after token refresh")
}
