package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"

	"hotel_checkout/internal/mpesa"
)

var (
	ErrMalformedCallback = errors.New("malformed callback")
	ErrUnmatchedCallback = errors.New("unmatched callback")
)

// Callback 是从 STK 回调报文中提取出的字段。
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string

	// 只有成功回调才带元数据，成功回调的 Amount 必填
	Amount          int64
	HasAmount       bool
	ReceiptID       string
	PhoneNumber     string
	TransactionDate string
}

// Succeeded 对应 ResultCode == 0。
func (c Callback) Succeeded() bool { return c.ResultCode == 0 }

// Parse 解析 {"Body":{"stkCallback":{...}}}。元数据中的数值可能是 JSON 数字也可能是字符串。
func Parse(raw []byte) (Callback, error) {
	var env mpesa.CallbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Callback{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if env.Body == nil || env.Body.STKCallback == nil {
		return Callback{}, fmt.Errorf("%w: missing Body.stkCallback", ErrMalformedCallback)
	}
	s := env.Body.STKCallback
	if s.ResultCode == nil {
		return Callback{}, fmt.Errorf("%w: missing ResultCode", ErrMalformedCallback)
	}
	code, err := s.ResultCode.Int64()
	if err != nil {
		return Callback{}, fmt.Errorf("%w: ResultCode: %v", ErrMalformedCallback, err)
	}

	cb := Callback{
		MerchantRequestID: s.MerchantRequestID,
		CheckoutRequestID: s.CheckoutRequestID,
		ResultCode:        int(code),
		ResultDesc:        s.ResultDesc,
	}
	if v, ok := s.CallbackMetadata.Lookup("Amount"); ok {
		n, err := v.Int64()
		if err != nil {
			return Callback{}, fmt.Errorf("%w: Amount: %v", ErrMalformedCallback, err)
		}
		cb.Amount, cb.HasAmount = n, true
	}
	// 成功回调必须带金额，否则无法核对实收与应收
	if cb.Succeeded() && !cb.HasAmount {
		return Callback{}, fmt.Errorf("%w: success without Amount", ErrMalformedCallback)
	}
	if v, ok := s.CallbackMetadata.Lookup("MpesaReceiptNumber"); ok {
		cb.ReceiptID = v.String()
	}
	if v, ok := s.CallbackMetadata.Lookup("PhoneNumber"); ok {
		cb.PhoneNumber = v.String()
	}
	if v, ok := s.CallbackMetadata.Lookup("TransactionDate"); ok {
		cb.TransactionDate = v.String()
	}
	return cb, nil
}
