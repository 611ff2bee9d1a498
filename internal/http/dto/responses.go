package dto

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type CreateEscrowResponse struct {
	Escrow  any               `json:"escrow"`
	Payment *PaymentOrderInfo `json:"payment,omitempty"`
}

// PaymentOrderInfo carries what the payer's client needs to open checkout.
type PaymentOrderInfo struct {
	GatewayOrderID string `json:"gateway_order_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	PaymentLink    string `json:"payment_link,omitempty"`
}

type ConfirmResponse struct {
	Status        string `json:"status"` // waiting / releasing
	DistinctRoles int    `json:"distinct_roles"`
}
