package models

// TokenEvent records one refresh or probe outcome for an account
type TokenEvent struct {
	ID        string `gorm:"primaryKey" json:"id"`
	Timestamp int64  `gorm:"index" json:"timestamp"`
	AccountID int    `gorm:"index" json:"account_id"`
	Operation string `gorm:"index" json:"operation"` // refresh, probe
	Outcome   string `json:"outcome"`                // ok or the failure kind
	Status    int    `json:"status,omitempty"`       // HTTP status, when one was received
	Duration  int64  `json:"duration"`               // milliseconds
	Error     string `json:"error,omitempty"`
}

func (TokenEvent) TableName() string { return "oauth2cred_token_events" }

// TokenEventStats holds aggregated statistics for token events
type TokenEventStats struct {
	TotalEvents  int64 `json:"total_events"`
	SuccessCount int64 `json:"success_count"`
	ErrorCount   int64 `json:"error_count"`
}
