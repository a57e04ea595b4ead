package account

import (
	"strconv"
	"time"
)

// Status is the lifecycle state of a Subscription. Only active → expired
// and active → canceled are valid transitions.
type Status string

const (
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusCanceled Status = "canceled"
)

// User is a person known to the bot. MarzbanUsername is fixed on first
// contact and never reassigned.
type User struct {
	ID              uint   `gorm:"primaryKey"`
	TelegramID      int64  `gorm:"uniqueIndex;not null"`
	Username        string `gorm:"size:64"`
	MarzbanUsername string `gorm:"uniqueIndex;size:64;not null"`
	CreatedAt       time.Time
}

// Subscription is one time-bounded grant of access for a User.
type Subscription struct {
	ID      uint      `gorm:"primaryKey"`
	UserID  uint      `gorm:"index;not null"`
	IsTrial bool      `gorm:"not null;default:false"`
	Status  Status    `gorm:"size:16;index;not null;default:'active'"`
	StartAt time.Time `gorm:"not null"`
	EndAt   time.Time `gorm:"index;not null"`
	User    User      `gorm:"constraint:OnDelete:CASCADE"`
}

// Kind is a short label for display.
func (s *Subscription) Kind() string {
	if s.IsTrial {
		return "trial"
	}
	return "paid"
}

// ExternalName derives the panel username for a Telegram account. Telegram
// ids are never reassigned, so neither is the derived name.
func ExternalName(telegramID int64) string {
	return "tg_" + strconv.FormatInt(telegramID, 10)
}
