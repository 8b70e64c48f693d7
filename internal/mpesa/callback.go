package mpesa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CallbackEnvelope 是 STK push 异步回调的报文结构。
type CallbackEnvelope struct {
	Body *struct {
		STKCallback *STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        *FlexString       `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata"`
}

type CallbackMetadata struct {
	Item []CallbackItem `json:"Item"`
}

type CallbackItem struct {
	Name  string     `json:"Name"`
	Value FlexString `json:"Value"`
}

// Lookup 按名字取元数据项，不存在时 ok 为 false。
func (m *CallbackMetadata) Lookup(name string) (FlexString, bool) {
	if m == nil {
		return "", false
	}
	for _, it := range m.Item {
		if it.Name == name {
			return it.Value, true
		}
	}
	return "", false
}

// FlexString 兼容 Daraja 有时用数字、有时用字符串表示同一个字段。
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

func (f FlexString) Int64() (int64, error) {
	s := strings.TrimSpace(string(f))
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	// 金额偶尔带小数，如 "12600.00"
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v != float64(int64(v)) {
		return 0, fmt.Errorf("non-integer value %q", s)
	}
	return int64(v), nil
}
