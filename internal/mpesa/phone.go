package mpesa

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ttacon/libphonenumber"
)

// 本地号码（去掉国家码与前导 0）固定 9 位
const subscriberDigits = 9

// CountryPrefix 返回地区的国际电话区号，例如 KE -> 254。
func CountryPrefix(region string) (string, error) {
	code := libphonenumber.GetCountryCodeForRegion(strings.ToUpper(strings.TrimSpace(region)))
	if code == 0 {
		return "", fmt.Errorf("unknown phone region %q", region)
	}
	return strconv.Itoa(code), nil
}

// NormalizePhone 把用户输入的手机号规范成 <prefix><9 位> 的纯数字形式：
// 已带区号保持不变，单个前导 0 替换为区号，其余情况直接补区号。
func NormalizePhone(raw, prefix string) (string, error) {
	s := strings.NewReplacer(" ", "", "+", "", "-", "").Replace(strings.TrimSpace(raw))
	if s == "" || prefix == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhoneFormat, raw)
	}

	switch {
	case strings.HasPrefix(s, prefix):
	case strings.HasPrefix(s, "0"):
		s = prefix + s[1:]
	default:
		s = prefix + s
	}

	if len(s) != len(prefix)+subscriberDigits || !allDigits(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhoneFormat, raw)
	}
	return s, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
