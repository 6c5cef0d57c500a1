package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalix/identity/internal/cache"
	"github.com/signalix/identity/internal/clock"
	"github.com/signalix/identity/internal/logger"
	"github.com/signalix/identity/internal/metrics"
	"github.com/signalix/identity/internal/model"
	"github.com/signalix/identity/internal/repo"
	"github.com/signalix/identity/internal/transport"
)

// CodeConfig holds one-time code parameters
type CodeConfig struct {
	Pepper          []byte
	CodeLength      int
	TTL             time.Duration
	MaxAttempts     int
	RequestLimit    int
	RequestWindow   time.Duration
	ResendCooldown  time.Duration
	DispatchTimeout time.Duration
}

// CodeEngine issues and validates one-time verification codes
type CodeEngine struct {
	store   repo.Store
	cache   cache.Store
	gateway transport.Gateway
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	random  io.Reader
	cfg     CodeConfig
}

// NewCodeEngine creates a new CodeEngine
func NewCodeEngine(d Deps, cfg CodeConfig) *CodeEngine {
	return &CodeEngine{
		store:   d.Store,
		cache:   d.Cache,
		gateway: d.Gateway,
		clock:   d.Clock,
		log:     d.Logger,
		metrics: d.Metrics,
		random:  d.Random,
		cfg:     cfg,
	}
}

// ChallengeRequest asks for a code to be sent to Identifier
type ChallengeRequest struct {
	Identifier string
	Purpose    model.Purpose
	UserID     *uuid.UUID
	Client     model.ClientMeta
}

// ChallengeTicket is what the caller learns about an issued challenge
type ChallengeTicket struct {
	ChallengeID       uuid.UUID
	Channel           model.Channel
	ExpiresAt         time.Time
	AttemptsRemaining int
}

// Outcome tags a ValidationResult
type Outcome string

const (
	OutcomeValid       Outcome = "valid"
	OutcomeExpired     Outcome = "expired"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeMismatched  Outcome = "mismatched"
	OutcomeNotFound    Outcome = "not_found"
)

// ValidationResult describes one validation attempt. Only store failures are
// reported as errors; every user-facing outcome is a result.
type ValidationResult struct {
	Outcome           Outcome
	ChallengeID       uuid.UUID
	AttemptsRemaining int
	// CanRetry tells the caller a new attempt or a new challenge may succeed.
	CanRetry   bool
	Identifier string
	Purpose    model.Purpose
	UserID     *uuid.UUID
}

func (r ValidationResult) Valid() bool { return r.Outcome == OutcomeValid }

func (r ValidationResult) IsRateLimited() bool { return r.Outcome == OutcomeRateLimited }

// Err converts a non-valid outcome into the error taxonomy.
func (r ValidationResult) Err() error {
	const op = "Validate"
	switch r.Outcome {
	case OutcomeValid:
		return nil
	case OutcomeExpired:
		return newError(KindExpired, op, "code expired, request a new one")
	case OutcomeRateLimited:
		return newError(KindRateLimited, op, "too many attempts, request a new code")
	case OutcomeMismatched:
		return newError(KindInvalidCode, op, fmt.Sprintf("invalid code, %d attempts remaining", r.AttemptsRemaining))
	default:
		return newError(KindNotFound, op, "unknown or already used code")
	}
}

func quotaKey(purpose model.Purpose, identifier string) string {
	return "otp:req:" + string(purpose) + ":" + identifier
}

// StartChallenge sends a fresh code to the identifier. Outstanding challenges
// for the same identifier and purpose are expired.
func (e *CodeEngine) StartChallenge(ctx context.Context, req ChallengeRequest) (ChallengeTicket, error) {
	const op = "StartChallenge"

	identifier, channel, err := normalizeIdentifier(req.Identifier)
	if err != nil {
		return ChallengeTicket{}, &Error{Kind: KindValidation, Op: op, Msg: err.Error()}
	}
	if !req.Purpose.Valid() {
		return ChallengeTicket{}, newError(KindValidation, op, fmt.Sprintf("unknown purpose %q", req.Purpose))
	}
	if err := e.checkQuota(ctx, op, identifier, req.Purpose); err != nil {
		return ChallengeTicket{}, err
	}

	var ticket ChallengeTicket
	err = e.store.InTx(ctx, func(ctx context.Context, r repo.Repositories) error {
		var err error
		ticket, err = e.issue(ctx, r, issueParams{
			identifier: identifier,
			channel:    channel,
			purpose:    req.Purpose,
			userID:     req.UserID,
			client:     req.Client,
		})
		return err
	})
	if err != nil {
		return ChallengeTicket{}, storeError(op, err)
	}
	return ticket, nil
}

// checkQuota counts a code request against the identifier's trailing window.
// A cache outage lets the request through.
func (e *CodeEngine) checkQuota(ctx context.Context, op, identifier string, purpose model.Purpose) error {
	res, err := e.cache.Hit(ctx, quotaKey(purpose, identifier), e.cfg.RequestLimit, e.cfg.RequestWindow)
	if err != nil {
		e.log.Warn("request quota unavailable, allowing request", zap.Error(err), logger.Identifier(identifier))
		return nil
	}
	if !res.Allowed {
		e.metrics.RateLimited("identifier")
		return &Error{
			Kind:       KindRateLimited,
			Op:         op,
			Msg:        fmt.Sprintf("at most %d codes per %s", e.cfg.RequestLimit, e.cfg.RequestWindow),
			RetryAfter: res.RetryAfter,
		}
	}
	return nil
}

type issueParams struct {
	id         uuid.UUID
	identifier string
	channel    model.Channel
	purpose    model.Purpose
	userID     *uuid.UUID
	client     model.ClientMeta
}

// issue stores a new challenge and dispatches its code within r's
// transaction. A dispatch failure returns KindDispatchFailed so the caller's
// transaction rolls the record back.
func (e *CodeEngine) issue(ctx context.Context, r repo.Repositories, p issueParams) (ChallengeTicket, error) {
	now := e.clock.Now()

	if _, err := r.Challenges().ExpireOutstanding(ctx, p.identifier, p.purpose, now); err != nil {
		return ChallengeTicket{}, err
	}

	code, err := generateCode(e.random, e.cfg.CodeLength)
	if err != nil {
		return ChallengeTicket{}, err
	}
	salt, err := generateSalt(e.random)
	if err != nil {
		return ChallengeTicket{}, err
	}

	rec := &model.VerificationRecord{
		ID:          p.id,
		Identifier:  p.identifier,
		Channel:     p.channel,
		Purpose:     p.purpose,
		UserID:      p.userID,
		CodeHash:    hashCode(e.cfg.Pepper, salt, p.identifier, code),
		Salt:        salt,
		ExpiresAt:   now.Add(e.cfg.TTL),
		MaxAttempts: e.cfg.MaxAttempts,
		CreatedAt:   now,
	}
	if p.client.IP != "" {
		rec.RequestIP = &p.client.IP
	}
	if p.client.UserAgent != "" {
		rec.UserAgent = &p.client.UserAgent
	}
	if err := r.Challenges().Create(ctx, rec); err != nil {
		return ChallengeTicket{}, err
	}

	dctx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
	defer cancel()
	err = e.gateway.Send(dctx, transport.Message{
		Channel:     p.channel,
		Destination: p.identifier,
		Body:        fmt.Sprintf("Your verification code is %s. It expires in %s.", code, e.cfg.TTL),
	})
	if err != nil {
		e.metrics.DispatchFailed(string(p.channel))
		e.log.Error("code dispatch failed", zap.Error(err), logger.Identifier(p.identifier),
			zap.String("channel", string(p.channel)))
		return ChallengeTicket{}, &Error{Kind: KindDispatchFailed, Op: "StartChallenge", Msg: "could not deliver code", Err: err}
	}

	e.metrics.ChallengeStarted(string(p.purpose), string(p.channel))
	e.log.Info("challenge issued",
		zap.String("challenge_id", rec.ID.String()),
		zap.String("purpose", string(p.purpose)),
		logger.Identifier(p.identifier),
	)
	return ChallengeTicket{
		ChallengeID:       rec.ID,
		Channel:           p.channel,
		ExpiresAt:         rec.ExpiresAt,
		AttemptsRemaining: rec.MaxAttempts,
	}, nil
}

// Validate checks code against the challenge. At most one caller ever gets
// OutcomeValid for a challenge.
func (e *CodeEngine) Validate(ctx context.Context, challengeID uuid.UUID, code string) (ValidationResult, error) {
	return e.ValidateFor(ctx, challengeID, "", code)
}

// ValidateFor is Validate restricted to challenges issued for purpose. A
// challenge issued for anything else is rejected with KindPreconditionFailed
// before an attempt is spent. An empty purpose accepts any challenge.
func (e *CodeEngine) ValidateFor(ctx context.Context, challengeID uuid.UUID, purpose model.Purpose, code string) (ValidationResult, error) {
	var res ValidationResult
	err := e.store.InTx(ctx, func(ctx context.Context, r repo.Repositories) error {
		var err error
		res, err = e.validateTx(ctx, r, challengeID, purpose, code)
		return err
	})
	if err != nil {
		return ValidationResult{}, storeError("Validate", err)
	}
	e.afterValidation(ctx, res)
	return res, nil
}

// terminalResult reports outcomes that need no attempt to be spent.
func terminalResult(rec model.VerificationRecord, now time.Time) (ValidationResult, bool) {
	res := ValidationResult{
		ChallengeID: rec.ID,
		Identifier:  rec.Identifier,
		Purpose:     rec.Purpose,
		UserID:      rec.UserID,
	}
	switch {
	case rec.Completed():
		res.Outcome = OutcomeNotFound
	case rec.ExpiredAt(now):
		res.Outcome = OutcomeExpired
		res.AttemptsRemaining = rec.AttemptsRemaining()
		res.CanRetry = true
	case rec.AttemptCount >= rec.MaxAttempts:
		res.Outcome = OutcomeRateLimited
		res.CanRetry = true
	default:
		return res, false
	}
	return res, true
}

// validateTx runs one attempt inside r's transaction. The attempt is counted
// before the comparison so an interrupted request still spends it.
func (e *CodeEngine) validateTx(ctx context.Context, r repo.Repositories, challengeID uuid.UUID, purpose model.Purpose, code string) (ValidationResult, error) {
	now := e.clock.Now()
	notFound := ValidationResult{Outcome: OutcomeNotFound, ChallengeID: challengeID}

	rec, err := r.Challenges().Get(ctx, challengeID)
	if errors.Is(err, repo.ErrNotFound) {
		return notFound, nil
	}
	if err != nil {
		return ValidationResult{}, err
	}
	if purpose != "" && rec.Purpose != purpose {
		return ValidationResult{}, newError(KindPreconditionFailed, "Validate",
			fmt.Sprintf("challenge was issued for %s, not %s", rec.Purpose, purpose))
	}
	if res, done := terminalResult(rec, now); done {
		return res, nil
	}

	count, err := r.Challenges().RegisterAttempt(ctx, challengeID, now)
	if errors.Is(err, repo.ErrNotFound) {
		// Lost a race; report the state the winner left behind.
		if rec, err = r.Challenges().Get(ctx, challengeID); err != nil {
			return notFound, nil
		}
		if res, done := terminalResult(rec, now); done {
			return res, nil
		}
		return notFound, nil
	}
	if err != nil {
		return ValidationResult{}, err
	}
	rec.AttemptCount = count

	res := ValidationResult{
		ChallengeID:       rec.ID,
		AttemptsRemaining: rec.AttemptsRemaining(),
		Identifier:        rec.Identifier,
		Purpose:           rec.Purpose,
		UserID:            rec.UserID,
	}

	candidate := hashCode(e.cfg.Pepper, rec.Salt, rec.Identifier, code)
	if !constantTimeCompare(candidate, rec.CodeHash) {
		res.Outcome = OutcomeMismatched
		res.CanRetry = true
		return res, nil
	}

	won, err := r.Challenges().MarkCompleted(ctx, challengeID, now)
	if err != nil {
		return ValidationResult{}, err
	}
	if !won {
		res.Outcome = OutcomeNotFound
		res.AttemptsRemaining = 0
		return res, nil
	}
	res.Outcome = OutcomeValid
	return res, nil
}

// afterValidation runs once the attempt is committed.
func (e *CodeEngine) afterValidation(ctx context.Context, res ValidationResult) {
	e.metrics.Validation(string(res.Outcome))
	if !res.Valid() {
		return
	}
	if err := e.cache.Delete(ctx, quotaKey(res.Purpose, res.Identifier)); err != nil {
		e.log.Warn("failed to clear request quota", zap.Error(err), logger.Identifier(res.Identifier))
	}
}

// Resend replaces an uncompleted challenge with a new one once the cooldown
// since its creation has passed.
func (e *CodeEngine) Resend(ctx context.Context, challengeID uuid.UUID, client model.ClientMeta) (ChallengeTicket, error) {
	const op = "Resend"

	rec, err := e.store.Challenges().Get(ctx, challengeID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ChallengeTicket{}, newError(KindNotFound, op, "unknown challenge")
		}
		return ChallengeTicket{}, storeError(op, err)
	}
	if rec.Completed() {
		return ChallengeTicket{}, newError(KindNotFound, op, "challenge already used")
	}
	if wait := e.cfg.ResendCooldown - e.clock.Now().Sub(rec.CreatedAt); wait > 0 {
		e.metrics.RateLimited("challenge")
		return ChallengeTicket{}, &Error{Kind: KindRateLimited, Op: op, Msg: "resend cooldown active", RetryAfter: wait}
	}
	if err := e.checkQuota(ctx, op, rec.Identifier, rec.Purpose); err != nil {
		return ChallengeTicket{}, err
	}

	var ticket ChallengeTicket
	err = e.store.InTx(ctx, func(ctx context.Context, r repo.Repositories) error {
		var err error
		ticket, err = e.issue(ctx, r, issueParams{
			identifier: rec.Identifier,
			channel:    rec.Channel,
			purpose:    rec.Purpose,
			userID:     rec.UserID,
			client:     client,
		})
		return err
	})
	if err != nil {
		return ChallengeTicket{}, storeError(op, err)
	}
	return ticket, nil
}

// Cleanup deletes expired and completed challenges
func (e *CodeEngine) Cleanup(ctx context.Context) (int64, error) {
	n, err := e.store.Challenges().DeleteStale(ctx, e.clock.Now())
	if err != nil {
		return 0, storeError("Cleanup", err)
	}
	e.metrics.CleanupDeleted("challenges", n)
	return n, nil
}
