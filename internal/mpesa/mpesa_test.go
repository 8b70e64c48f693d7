package mpesa

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hotel_checkout/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0712345678", want: "254712345678"},
		{in: "254712345678", want: "254712345678"},
		{in: "712345678", want: "254712345678"},
		{in: "+254 712 345 678", want: "254712345678"},
		{in: "0712-345-678", want: "254712345678"},
		{in: "", wantErr: true},
		{in: "07123", wantErr: true},
		{in: "07123456789", wantErr: true},
		{in: "07abc45678", wantErr: true},
		{in: "2547123456789", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePhone(tt.in, "254")
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidPhoneFormat), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCountryPrefix(t *testing.T) {
	p, err := CountryPrefix("KE")
	require.NoError(t, err)
	assert.Equal(t, "254", p)

	p, err = CountryPrefix("tz")
	require.NoError(t, err)
	assert.Equal(t, "255", p)

	_, err = CountryPrefix("ZZ")
	assert.Error(t, err)
}

func TestFlexString(t *testing.T) {
	var item CallbackItem
	require.NoError(t, json.Unmarshal([]byte(`{"Name":"Amount","Value":12600}`), &item))
	n, err := item.Value.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(12600), n)

	require.NoError(t, json.Unmarshal([]byte(`{"Name":"Amount","Value":"12600.00"}`), &item))
	n, err = item.Value.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(12600), n)

	require.NoError(t, json.Unmarshal([]byte(`{"Name":"Amount","Value":1.5}`), &item))
	_, err = item.Value.Int64()
	assert.Error(t, err)

	require.NoError(t, json.Unmarshal([]byte(`{"Name":"PhoneNumber","Value":254712345678}`), &item))
	assert.Equal(t, "254712345678", item.Value.String())
}

// fakeDaraja 模拟 OAuth 与 STK push 两个端点。
type fakeDaraja struct {
	t *testing.T

	tokenCalls int32
	pushCalls  int32

	tokenStatus int
	// pushStatus 按调用次序返回，超出后沿用最后一个
	pushStatus   []int
	responseCode string
	pushDelay    time.Duration

	mu       sync.Mutex
	lastBody stkPushBody
	lastAuth string
}

func (f *fakeDaraja) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&f.tokenCalls, 1)
		user, pass, ok := r.BasicAuth()
		assert.True(f.t, ok)
		assert.Equal(f.t, "key", user)
		assert.Equal(f.t, "secret", pass)
		assert.Equal(f.t, "client_credentials", r.URL.Query().Get("grant_type"))
		if f.tokenStatus != 0 && f.tokenStatus != http.StatusOK {
			w.WriteHeader(f.tokenStatus)
			_, _ = w.Write([]byte(`{"errorMessage":"Invalid credentials"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok-" + string(rune('0'+n)),
			"expires_in":   "3599",
		})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&f.pushCalls, 1))
		if f.pushDelay > 0 {
			time.Sleep(f.pushDelay)
		}
		var body stkPushBody
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.lastBody = body
		f.lastAuth = r.Header.Get("Authorization")
		f.mu.Unlock()

		status := http.StatusOK
		if len(f.pushStatus) > 0 {
			idx := n - 1
			if idx >= len(f.pushStatus) {
				idx = len(f.pushStatus) - 1
			}
			status = f.pushStatus[idx]
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"errorCode":"404.001.03","errorMessage":"Invalid Access Token"}`))
			return
		}
		code := f.responseCode
		if code == "" {
			code = "0"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"MerchantRequestID":   "29115-34620561-1",
			"CheckoutRequestID":   "ws_CO_191220191020363925",
			"ResponseCode":        code,
			"ResponseDescription": "Success. Request accepted for processing",
			"CustomerMessage":     "Success. Request accepted for processing",
		})
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeDaraja, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	f.t = t
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	logger, _ := test.NewNullLogger()
	c, err := NewClient(config.MpesaConfig{
		BaseURL:        srv.URL + "/",
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		PassKey:        "passkey",
		CallbackURL:    "https://example.com/api/payments/mpesa/callback",
		Region:         "KE",
		HTTPTimeout:    2 * time.Second,
	}, logger, opts...)
	require.NoError(t, err)
	return c, srv
}

func TestSTKPush_Success(t *testing.T) {
	f := &fakeDaraja{}
	fixed := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	c, _ := newTestClient(t, f, WithClock(func() time.Time { return fixed }))

	res, err := c.STKPush(context.Background(), PushRequest{
		Phone:     "0712345678",
		Amount:    12600,
		Reference: "HB-0f8c2a9e-1234",
	})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_191220191020363925", res.CheckoutRequestID)
	assert.Equal(t, "29115-34620561-1", res.MerchantRequestID)

	f.mu.Lock()
	body, auth := f.lastBody, f.lastAuth
	f.mu.Unlock()

	assert.Equal(t, "Bearer tok-1", auth)
	assert.Equal(t, "20260102130000", body.Timestamp)
	assert.Equal(t, Password("174379", "passkey", "20260102130000"), body.Password)
	assert.Equal(t, "CustomerPayBillOnline", body.TransactionType)
	assert.Equal(t, int64(12600), body.Amount)
	assert.Equal(t, "254712345678", body.PartyA)
	assert.Equal(t, "254712345678", body.PhoneNumber)
	assert.Equal(t, "174379", body.PartyB)
	assert.Equal(t, "174379", body.BusinessShortCode)
	assert.Equal(t, "HB-0f8c2a9e-", body.AccountReference)
	assert.Equal(t, "Payment for Order HB-0f8c2a9e-", body.TransactionDesc)
	assert.Equal(t, "https://example.com/api/payments/mpesa/callback", body.CallBackURL)
}

func TestAccessToken_CachedAndRefreshed(t *testing.T) {
	f := &fakeDaraja{}
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	c, _ := newTestClient(t, f, WithClock(clock))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.STKPush(ctx, PushRequest{Phone: "712345678", Amount: 10, Reference: "r"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.tokenCalls))

	// 过期前 60s 内需要刷新
	mu.Lock()
	now = now.Add(3599*time.Second - 59*time.Second)
	mu.Unlock()
	tok, err := c.AccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.tokenCalls))
}

func TestSTKPush_UnauthorizedRetriesOnce(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		f := &fakeDaraja{pushStatus: []int{http.StatusUnauthorized, http.StatusOK}}
		c, _ := newTestClient(t, f)

		res, err := c.STKPush(context.Background(), PushRequest{Phone: "0712345678", Amount: 100, Reference: "r"})
		require.NoError(t, err)
		assert.NotEmpty(t, res.CheckoutRequestID)
		assert.Equal(t, int32(2), atomic.LoadInt32(&f.tokenCalls))
		assert.Equal(t, int32(2), atomic.LoadInt32(&f.pushCalls))
		f.mu.Lock()
		assert.Equal(t, "Bearer tok-2", f.lastAuth)
		f.mu.Unlock()
	})

	t.Run("gives up", func(t *testing.T) {
		f := &fakeDaraja{pushStatus: []int{http.StatusUnauthorized}}
		c, _ := newTestClient(t, f)

		_, err := c.STKPush(context.Background(), PushRequest{Phone: "0712345678", Amount: 100, Reference: "r"})
		assert.True(t, errors.Is(err, ErrGatewayRejected), "got %v", err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&f.pushCalls))
	})
}

func TestSTKPush_Errors(t *testing.T) {
	t.Run("invalid phone makes no network call", func(t *testing.T) {
		f := &fakeDaraja{}
		c, _ := newTestClient(t, f)
		_, err := c.STKPush(context.Background(), PushRequest{Phone: "12", Amount: 100})
		assert.True(t, errors.Is(err, ErrInvalidPhoneFormat))
		assert.Zero(t, atomic.LoadInt32(&f.tokenCalls))
		assert.Zero(t, atomic.LoadInt32(&f.pushCalls))
	})

	t.Run("non positive amount", func(t *testing.T) {
		f := &fakeDaraja{}
		c, _ := newTestClient(t, f)
		_, err := c.STKPush(context.Background(), PushRequest{Phone: "0712345678", Amount: 0})
		assert.True(t, errors.Is(err, ErrInvalidAmount))
		assert.Zero(t, atomic.LoadInt32(&f.pushCalls))
	})

	t.Run("response code rejected", func(t *testing.T) {
		f := &fakeDaraja{responseCode: "1"}
		c, _ := newTestClient(t, f)
		_, err := c.STKPush(context.Background(), PushRequest{Phone: "0712345678", Amount: 100})
		assert.True(t, errors.Is(err, ErrGatewayRejected))
	})

	t.Run("server error rejected", func(t *testing.T) {
		f := &fakeDaraja{pushStatus: []int{http.StatusInternalServerError}}
		c, _ := newTestClient(t, f)
		_, err := c.STKPush(context.Background(), PushRequest{Phone: "0712345678", Amount: 100})
		assert.True(t, errors.Is(err, ErrGatewayRejected))
		assert.Contains(t, err.Error(), "Invalid Access Token")
	})

	t.Run("credential failure", func(t *testing.T) {
		f := &fakeDaraja{tokenStatus: http.StatusBadRequest}
		c, _ := newTestClient(t, f)
		_, err := c.STKPush(context.Background(), PushRequest{Phone: "0712345678", Amount: 100})
		assert.True(t, errors.Is(err, ErrCredentialAcquisition))
		assert.Zero(t, atomic.LoadInt32(&f.pushCalls))
	})

	t.Run("timeout is network error", func(t *testing.T) {
		f := &fakeDaraja{pushDelay: 300 * time.Millisecond}
		c, _ := newTestClient(t, f, WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
		_, err := c.STKPush(context.Background(), PushRequest{Phone: "0712345678", Amount: 100})
		assert.True(t, errors.Is(err, ErrNetwork), "got %v", err)
		assert.False(t, errors.Is(err, ErrGatewayRejected))
	})
}

type memTokenCache struct {
	mu    sync.Mutex
	token string
	ttl   time.Duration
	sets  int
}

func (m *memTokenCache) Get(context.Context) (string, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, m.ttl, nil
}

func (m *memTokenCache) Set(_ context.Context, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token, m.ttl = token, ttl
	m.sets++
	return nil
}

func (m *memTokenCache) Del(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == token {
		m.token, m.ttl = "", 0
	}
	return nil
}

func TestAccessToken_SharedCache(t *testing.T) {
	f := &fakeDaraja{}
	shared := &memTokenCache{}
	a, srv := newTestClient(t, f, WithTokenCache(shared))

	tok, err := a.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, shared.sets)

	// 第二个实例直接复用共享 token
	b, err := NewClient(config.MpesaConfig{
		BaseURL: srv.URL, ConsumerKey: "key", ConsumerSecret: "secret", Region: "KE",
	}, logrus.New(), WithTokenCache(shared))
	require.NoError(t, err)
	got, err := b.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok, got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.tokenCalls))

	b.Invalidate(context.Background())
	got, _, _ = shared.Get(context.Background())
	assert.Empty(t, got)
}
