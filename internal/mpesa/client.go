package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"hotel_checkout/internal/config"

	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidPhoneFormat    = errors.New("invalid phone format")
	ErrInvalidAmount         = errors.New("amount must be a positive integer")
	ErrCredentialAcquisition = errors.New("mpesa credential acquisition failed")
	ErrGatewayRejected       = errors.New("mpesa gateway rejected request")
	ErrNetwork               = errors.New("mpesa network error")
)

// 距离过期不足这个时间就提前刷新
const refreshSkew = 60 * time.Second

// TokenCache 让多个实例共享同一个 access token，实现见 pkg/redis。
type TokenCache interface {
	// Get 未命中时返回空串
	Get(ctx context.Context) (token string, ttl time.Duration, err error)
	Set(ctx context.Context, token string, ttl time.Duration) error
	// Del 只在共享值仍等于 token 时删除
	Del(ctx context.Context, token string) error
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithTokenCache(tc TokenCache) Option { return func(c *Client) { c.shared = tc } }

func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// Client 调用 Daraja：OAuth 取 token + STK push。并发安全。
type Client struct {
	cfg    config.MpesaConfig
	prefix string
	http   *http.Client
	shared TokenCache
	logger logrus.FieldLogger
	now    func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewClient(cfg config.MpesaConfig, logger logrus.FieldLogger, opts ...Option) (*Client, error) {
	prefix, err := CountryPrefix(cfg.Region)
	if err != nil {
		return nil, err
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		prefix: prefix,
		http:   &http.Client{Timeout: timeout},
		logger: logger.WithField("module", "mpesa"),
		now:    time.Now,
	}
	c.cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Prefix 返回号码规范化使用的国家区号。
func (c *Client) Prefix() string { return c.prefix }

type tokenResponse struct {
	AccessToken string     `json:"access_token"`
	ExpiresIn   FlexString `json:"expires_in"`
}

// AccessToken 返回缓存的 token，过期前 60s 内或失效后才重新获取。
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.token != "" && now.Add(refreshSkew).Before(c.expiresAt) {
		return c.token, nil
	}

	if c.shared != nil {
		tok, ttl, err := c.shared.Get(ctx)
		if err != nil {
			c.logger.WithError(err).Warn("shared token cache read failed")
		} else if tok != "" && ttl > refreshSkew {
			c.token, c.expiresAt = tok, now.Add(ttl)
			return tok, nil
		}
	}

	tok, ttl, err := c.fetchToken(ctx)
	if err != nil {
		return "", err
	}
	c.token, c.expiresAt = tok, now.Add(ttl)

	if c.shared != nil {
		if err := c.shared.Set(ctx, tok, ttl); err != nil {
			c.logger.WithError(err).Warn("shared token cache write failed")
		}
	}
	return tok, nil
}

// Invalidate 丢弃本地与共享缓存中的 token。
func (c *Client) Invalidate(ctx context.Context) {
	c.mu.Lock()
	stale := c.token
	c.token, c.expiresAt = "", time.Time{}
	c.mu.Unlock()

	if c.shared != nil && stale != "" {
		if err := c.shared.Del(ctx, stale); err != nil {
			c.logger.WithError(err).Warn("shared token cache delete failed")
		}
	}
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	endpoint := c.cfg.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrCredentialAcquisition, err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w: %v", ErrCredentialAcquisition, ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, fmt.Errorf("%w: status %d: %s", ErrCredentialAcquisition, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, fmt.Errorf("%w: decode: %v", ErrCredentialAcquisition, err)
	}
	if parsed.AccessToken == "" {
		return "", 0, fmt.Errorf("%w: empty access_token", ErrCredentialAcquisition)
	}

	ttl := time.Hour
	if n, err := parsed.ExpiresIn.Int64(); err == nil && n > 0 {
		ttl = time.Duration(n) * time.Second
	}
	return parsed.AccessToken, ttl, nil
}
