package domain

import (
	"errors"
	"strings"
)

type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
	TierTeam Tier = "team"
)

var (
	ErrInvalidTier             = errors.New("invalid_tier")
	ErrInvalidPaymentReference = errors.New("invalid_payment_reference")
)

// Limits bound what a device may store and see. MaxProjects 0 means
// unlimited.
type Limits struct {
	MaxProjects   int `json:"max_projects"`
	RetentionDays int `json:"retention_days"`
}

func (t Tier) Limits() Limits {
	switch t {
	case TierPro:
		return Limits{MaxProjects: 10, RetentionDays: 90}
	case TierTeam:
		return Limits{MaxProjects: 0, RetentionDays: 365}
	default:
		return Limits{MaxProjects: 1, RetentionDays: 7}
	}
}

// Paid reports whether the tier unlocks alerting.
func (t Tier) Paid() bool {
	return t == TierPro || t == TierTeam
}

func (t Tier) Valid() bool {
	return t == TierFree || t == TierPro || t == TierTeam
}

func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", ErrInvalidTier
	}
	return t, nil
}
