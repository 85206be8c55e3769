package service

import (
	"time"

	"escrow-service/internal/apperr"
	"escrow-service/internal/models"
)

// TransferWindow is the platform-imposed wait between manager rights
// assignment and primary ownership transfer. It is fixed.
const TransferWindow = 7 * 24 * time.Hour

// Remaining is a countdown broken into calendar-free units.
type Remaining struct {
	Days    int64 `json:"days"`
	Hours   int64 `json:"hours"`
	Minutes int64 `json:"minutes"`
	Seconds int64 `json:"seconds"`
}

// TimerService manages the transfer window of a transaction.
type TimerService struct {
	now func() time.Time
}

// NewTimerService creates a timer service reading the given clock
func NewTimerService(now func() time.Time) *TimerService {
	if now == nil {
		now = time.Now
	}
	return &TimerService{now: now}
}

// StartTimer computes the window for tx. A window already started is
// reported with AlreadyActive and the existing ready time.
func (ts *TimerService) StartTimer(tx *models.Transaction) (startedAt, readyAt time.Time, err error) {
	if tx.TransferTimerStartedAt != nil && tx.TransferReadyAt != nil {
		return *tx.TransferTimerStartedAt, *tx.TransferReadyAt,
			apperr.New(apperr.CodeAlreadyActive, "transfer timer already started for %s", tx.ID)
	}

	startedAt = ts.now().UTC()
	return startedAt, startedAt.Add(TransferWindow), nil
}

// RemainingTime is the countdown to readyAt, clamped at zero.
func RemainingTime(readyAt, now time.Time) Remaining {
	d := readyAt.Sub(now)
	if d <= 0 {
		return Remaining{}
	}

	secs := int64(d / time.Second)
	return Remaining{
		Days:    secs / 86400,
		Hours:   secs % 86400 / 3600,
		Minutes: secs % 3600 / 60,
		Seconds: secs % 60,
	}
}

// IsReady reports whether the window closing at readyAt has elapsed.
func IsReady(readyAt, now time.Time) bool {
	return !now.Before(readyAt)
}
