package model

import "strings"

// OrderIntent 是购物车/目录交给结算核心的下单意图，不落库。
// 字段顺序即校验报错顺序：先顾客信息，再配送信息，最后明细。
type OrderIntent struct {
	Customer            Customer      `json:"customer"`
	Fulfillment         Fulfillment   `json:"fulfillment"`
	LineItems           []LineItem    `json:"line_items" validate:"required,min=1,dive"`
	Currency            string        `json:"currency" validate:"required,len=3,alpha"`
	PaymentMethod       PaymentMethod `json:"payment_method" validate:"required,oneof=mobile_money card_gateway"`
	SpecialInstructions string        `json:"special_instructions" validate:"max=1024"`
}

type Customer struct {
	Name  string `json:"name" validate:"required,max=128"`
	Email string `json:"email" validate:"required,email,max=255"`
	Phone string `json:"phone" validate:"required,max=32"`
}

type Fulfillment struct {
	Mode        DeliveryType `json:"mode" validate:"required,oneof=pickup delivery"`
	Address     string       `json:"address" validate:"required_if=Mode delivery,max=512"`
	DeliveryFee int64        `json:"delivery_fee" validate:"min=0"`
}

type LineItem struct {
	Name        string   `json:"name" validate:"required,max=255"`
	Description string   `json:"description" validate:"max=1024"`
	UnitPrice   int64    `json:"unit_price" validate:"min=0"`
	Quantity    int      `json:"quantity" validate:"min=1"`
	Kind        ItemKind `json:"kind" validate:"required,oneof=room dining"`
}

// Normalize 去掉首尾空白，空白字段在校验阶段按缺失处理。
func (in *OrderIntent) Normalize() {
	in.Customer.Name = strings.TrimSpace(in.Customer.Name)
	in.Customer.Email = strings.TrimSpace(in.Customer.Email)
	in.Customer.Phone = strings.TrimSpace(in.Customer.Phone)
	in.Fulfillment.Mode = DeliveryType(strings.ToLower(strings.TrimSpace(string(in.Fulfillment.Mode))))
	in.Fulfillment.Address = strings.TrimSpace(in.Fulfillment.Address)
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))
	in.PaymentMethod = PaymentMethod(strings.TrimSpace(string(in.PaymentMethod)))
	in.SpecialInstructions = strings.TrimSpace(in.SpecialInstructions)
	for i := range in.LineItems {
		in.LineItems[i].Name = strings.TrimSpace(in.LineItems[i].Name)
		in.LineItems[i].Description = strings.TrimSpace(in.LineItems[i].Description)
	}
	if in.PaymentMethod == "" {
		in.PaymentMethod = MethodMobileMoney
	}
}
