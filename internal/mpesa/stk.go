package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	transactionType = "CustomerPayBillOnline"
	timestampLayout = "20060102150405"
	// Daraja 限制 AccountReference 最长 12 个字符
	maxReferenceLen = 12
)

// Daraja 的时间戳按东非时间计算
var eat = time.FixedZone("EAT", 3*3600)

type PushRequest struct {
	Phone       string
	Amount      int64
	Reference   string
	Description string
}

type PushResult struct {
	CheckoutRequestID   string
	MerchantRequestID   string
	ResponseDescription string
	CustomerMessage     string
}

type stkPushBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

// errUnauthorized 只在内部用来触发一次重新取 token
var errUnauthorized = errors.New("unauthorized")

// Password 按 base64(shortcode + passkey + timestamp) 生成。
func Password(shortCode, passKey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}

// STKPush 向用户手机发起支付请求。号码在任何网络调用之前校验；
// 401 时作废 token 并且只重试一次。
func (c *Client) STKPush(ctx context.Context, req PushRequest) (*PushResult, error) {
	phone, err := NormalizePhone(req.Phone, c.prefix)
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	ts := c.now().In(eat).Format(timestampLayout)
	body := stkPushBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.PassKey, ts),
		Timestamp:         ts,
		TransactionType:   transactionType,
		Amount:            req.Amount,
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  truncate(req.Reference, maxReferenceLen),
		TransactionDesc:   req.Description,
	}
	if body.TransactionDesc == "" {
		body.TransactionDesc = "Payment for Order " + body.AccountReference
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode stk push: %w", err)
	}

	res, err := c.doPush(ctx, payload)
	if errors.Is(err, errUnauthorized) {
		c.logger.Info("stk push unauthorized, refreshing token")
		c.Invalidate(ctx)
		res, err = c.doPush(ctx, payload)
		if errors.Is(err, errUnauthorized) {
			return nil, fmt.Errorf("%w: unauthorized after token refresh", ErrGatewayRejected)
		}
	}
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"checkout_request_id": res.CheckoutRequestID,
		"amount":              req.Amount,
	}).Info("stk push accepted")
	return res, nil
}

func (c *Client) doPush(ctx context.Context, payload []byte) (*PushResult, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := c.cfg.BaseURL + "/mpesa/stkpush/v1/processrequest"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build stk push: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errUnauthorized
	}

	var parsed stkPushResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && parsed.ErrorMessage != "" {
			msg = parsed.ErrorMessage
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrGatewayRejected, resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrGatewayRejected, decodeErr)
	}
	if parsed.ResponseCode != "0" {
		msg := parsed.ResponseDescription
		if msg == "" {
			msg = parsed.ErrorMessage
		}
		return nil, fmt.Errorf("%w: code %s: %s", ErrGatewayRejected, parsed.ResponseCode, msg)
	}
	if parsed.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", ErrGatewayRejected)
	}

	return &PushResult{
		CheckoutRequestID:   parsed.CheckoutRequestID,
		MerchantRequestID:   parsed.MerchantRequestID,
		ResponseDescription: parsed.ResponseDescription,
		CustomerMessage:     parsed.CustomerMessage,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
