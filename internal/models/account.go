package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	AcceptedTerms bool      `json:"accepted_terms"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Balance struct {
	UserID string          `json:"user_id"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Payment records an external deposit confirmation; ID is the payment network's id.
type Payment struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "PENDING"
	WithdrawalApproved WithdrawalStatus = "APPROVED"
	WithdrawalSent     WithdrawalStatus = "SENT"
	WithdrawalRejected WithdrawalStatus = "REJECTED"
)

func ParseWithdrawalStatus(s string) (WithdrawalStatus, error) {
	switch st := WithdrawalStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case WithdrawalPending, WithdrawalApproved, WithdrawalSent, WithdrawalRejected:
		return st, nil
	default:
		return "", fmt.Errorf("invalid withdrawal status %q", s)
	}
}

// Terminal statuses accept no further decisions.
func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalSent || s == WithdrawalRejected
}

type Withdrawal struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Asset     string           `json:"asset"`
	Amount    decimal.Decimal  `json:"amount"`
	Address   string           `json:"address"`
	Status    WithdrawalStatus `json:"status"`
	Note      string           `json:"note"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}
