package model

import (
	"time"

	"github.com/google/uuid"
)

// ValidationType says who resolves a validation record.
type ValidationType string

const (
	ValidationAuto   ValidationType = "auto"
	ValidationManual ValidationType = "manual"
)

// ValidationStatus is the processing state of a validation record.
type ValidationStatus string

const (
	ValidationNew  ValidationStatus = "new"
	ValidationOpen ValidationStatus = "open"
	ValidationDone ValidationStatus = "done"
)

// CandleValidation is the durable record of a failed reconciliation.
type CandleValidation struct {
	ID          uuid.UUID        `json:"id"`
	Exchange    ExchangeName     `json:"exchange_name"`
	MarketID    uuid.UUID        `json:"market_id"`
	Datetime    time.Time        `json:"datetime"`
	Duration    TimeFrame        `json:"duration"`
	Type        ValidationType   `json:"validation_type"`
	Status      ValidationStatus `json:"validation_status"`
	CreatedAt   time.Time        `json:"created_ts"`
	ProcessedAt *time.Time       `json:"processed_ts"`
	Notes       string           `json:"notes"`
}

// NewCandleValidation builds the New/Auto record written when a candle
// fails its first reconciliation.
func NewCandleValidation(m MarketDetail, tf TimeFrame, c Candle, notes string, now time.Time) CandleValidation {
	return CandleValidation{
		ID:        uuid.New(),
		Exchange:  m.Exchange,
		MarketID:  m.ID,
		Datetime:  c.Datetime,
		Duration:  tf,
		Type:      ValidationAuto,
		Status:    ValidationNew,
		CreatedAt: now.UTC(),
		Notes:     notes,
	}
}
