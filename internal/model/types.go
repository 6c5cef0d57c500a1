package model

import (
	"time"

	"github.com/google/uuid"
)

// User status values. Users are never hard-deleted; disabling is the lifecycle.
const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"

	RoleMember = "member"
)

// User represents an identity record
type User struct {
	ID            uuid.UUID
	Email         *string
	Phone         *string
	PasswordHash  *string
	EmailVerified bool
	PhoneVerified bool
	Role          string
	TenantID      *uuid.UUID
	Status        string
	LastLoginAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Active reports whether the user may authenticate.
func (u User) Active() bool {
	return u.Status == "" || u.Status == UserStatusActive
}

// SigningSecretPair holds the per-user secrets used to sign bearer tokens
type SigningSecretPair struct {
	UserID        uuid.UUID
	AccessSecret  []byte
	RefreshSecret []byte
	CreatedAt     time.Time
	RotatedAt     time.Time
}

// Channel is the delivery channel of a one-time code.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// Purpose is what a one-time code proves ownership for.
type Purpose string

const (
	PurposeRegistration  Purpose = "registration"
	PurposeLogin         Purpose = "login"
	PurposePasswordReset Purpose = "password_reset"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeRegistration, PurposeLogin, PurposePasswordReset:
		return true
	}
	return false
}

// VerificationRecord represents one one-time-code challenge
type VerificationRecord struct {
	ID           uuid.UUID
	Identifier   string
	Channel      Channel
	Purpose      Purpose
	UserID       *uuid.UUID
	CodeHash     []byte
	Salt         []byte
	ExpiresAt    time.Time
	AttemptCount int
	MaxAttempts  int
	CompletedAt  *time.Time
	CreatedAt    time.Time
	RequestIP    *string
	UserAgent    *string
}

// Completed reports whether the challenge was already used.
func (r VerificationRecord) Completed() bool {
	return r.CompletedAt != nil
}

// ExpiredAt reports whether the challenge is past its expiry at now.
func (r VerificationRecord) ExpiredAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// AttemptsRemaining returns how many validation attempts are left.
func (r VerificationRecord) AttemptsRemaining() int {
	if n := r.MaxAttempts - r.AttemptCount; n > 0 {
		return n
	}
	return 0
}

// Session represents one authenticated device or browser context
type Session struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	AccessJTI    string
	RefreshJTI   string
	ClientIP     string
	UserAgent    string
	CreatedAt    time.Time
	LastAccessAt time.Time
	ExpiresAt    time.Time
	Active       bool
	RevokedAt    *time.Time
}

// SessionRef identifies a session row removed by cleanup.
type SessionRef struct {
	ID     uuid.UUID
	UserID uuid.UUID
}

// ClientMeta describes the client a request came from.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// SignupStep is a state of the registration flow.
type SignupStep string

const (
	StepPhoneVerification SignupStep = "phone_verification"
	StepEmailVerification SignupStep = "email_verification"
	StepPasswordCreation  SignupStep = "password_creation"
	StepCompleted         SignupStep = "completed"
)

// SignupState tracks one in-flight registration
type SignupState struct {
	ID               uuid.UUID
	Step             SignupStep
	Phone            *string
	Email            *string
	PhoneChallengeID *uuid.UUID
	EmailChallengeID *uuid.UUID
	PhoneVerified    bool
	EmailVerified    bool
	ExpiresAt        time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ExpiredAt reports whether the state is past its expiry at now.
func (s SignupState) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
