package models

// DashboardStats summarizes a user's escrow activity across both roles.
// Amounts are minor units; SuccessRate is a percentage rounded to one
// decimal place.
type DashboardStats struct {
	TotalVolume    int64   `json:"total_volume"`
	ActiveCount    int     `json:"active_count"`
	CompletedCount int     `json:"completed_count"`
	TotalCount     int     `json:"total_count"`
	SuccessRate    float64 `json:"success_rate"`
}

// DailyVolume is one day of escrow creation volume.
type DailyVolume struct {
	Date   string `json:"date"` // YYYY-MM-DD
	Volume int64  `json:"volume"`
	Count  int    `json:"count"`
}

// StatusCount is one slice of the status distribution.
type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}
