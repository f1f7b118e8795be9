package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AlertRecord captures a dispatched volatility alert for auditing.
type AlertRecord struct {
	ID           uuid.UUID
	VendorID     string
	Commodity    string
	Price        decimal.Decimal
	Volatility   decimal.Decimal
	ThresholdPct decimal.Decimal
	Channels     []string
	Status       string
	Error        *string
	CreatedAt    time.Time
}

// Alert delivery states.
const (
	AlertStatusSent   = "sent"
	AlertStatusFailed = "failed"
)
