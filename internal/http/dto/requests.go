package dto

type CreateEscrowRequest struct {
	PayeeVPA    string  `json:"payee_vpa"`
	Amount      int64   `json:"amount"` // minor units (paise)
	Currency    string  `json:"currency"`
	Description *string `json:"description,omitempty"`
	OrderID     *string `json:"order_id,omitempty"`
}

type JoinEscrowRequest struct {
	EscrowCode string `json:"escrow_code"`
	VPA        string `json:"vpa,omitempty"`
}

type RaiseDisputeRequest struct {
	Reason   string   `json:"reason"`
	Evidence []string `json:"evidence,omitempty"`
}

type ResolveDisputeRequest struct {
	Resolution string `json:"resolution"`
	Status     string `json:"status"` // RESOLVED / CLOSED
}
