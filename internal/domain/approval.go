package domain

import (
	"errors"
	"time"
)

// Статусы State Machine
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "PENDING"
	StatusApproved ApprovalStatus = "APPROVED"
	StatusRejected ApprovalStatus = "REJECTED"
)

var (
	ErrInvalidTransition = errors.New("invalid approval status transition")
	ErrPlanNotPending    = errors.New("plan is not pending confirmation")
	ErrPlanNotFound      = errors.New("pending plan not found")
	ErrPlanExpired       = errors.New("pending plan expired")
)

// PendingPlan план, ожидающий решения человека (Human-in-the-loop).
type PendingPlan struct {
	ID       string         `json:"id"` // совпадает с Plan.ID
	TenantID string         `json:"tenant_id"`
	UserID   string         `json:"user_id"`
	Plan     Plan           `json:"plan"`
	Reasons  []string       `json:"reasons"`
	Status   ApprovalStatus `json:"status"`

	ReviewerID *string `json:"reviewer_id,omitempty"`
	Comment    *string `json:"comment,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CanTransitionTo проверяет правила конечного автомата
func (p *PendingPlan) CanTransitionTo(next ApprovalStatus, now time.Time) error {
	if p.Status != StatusPending {
		return ErrPlanNotPending
	}
	if next == StatusPending {
		return ErrInvalidTransition
	}
	if next == StatusApproved && !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt) {
		return ErrPlanExpired
	}
	return nil
}
