package checkout

import (
	"errors"
	"fmt"

	"hotel_checkout/internal/store"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrTokenGeneration   = errors.New("guest token generation failed")
	ErrPaymentInitiation = errors.New("payment initiation failed")
	ErrNotFound          = store.ErrNotFound
)

// ValidationError 指出第一个不合法的字段，可直接返回给用户修正。
// errors.Is(err, ErrValidation) 恒成立；手机号格式错误时同时匹配 mpesa.ErrInvalidPhoneFormat。
type ValidationError struct {
	Field   string
	Message string
	cause   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() []error {
	if e.cause != nil {
		return []error{ErrValidation, e.cause}
	}
	return []error{ErrValidation}
}
