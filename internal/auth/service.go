package auth

import (
	"crypto/rand"
	"io"

	"go.uber.org/zap"

	"github.com/signalix/identity/internal/cache"
	"github.com/signalix/identity/internal/clock"
	"github.com/signalix/identity/internal/config"
	"github.com/signalix/identity/internal/metrics"
	"github.com/signalix/identity/internal/repo"
	"github.com/signalix/identity/internal/transport"
)

// Deps are the collaborators shared by every component
type Deps struct {
	Store   repo.Store
	Cache   cache.Store
	Gateway transport.Gateway
	Clock   clock.Clock
	Logger  *zap.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// Random defaults to crypto/rand.
	Random io.Reader
}

// Options configures the components
type Options struct {
	Vault  VaultConfig
	Codes  CodeConfig
	Signup SignupConfig
}

// OptionsFromConfig maps application config onto component options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Vault: VaultConfig{
			AccessTTL:  cfg.Token.AccessTTL,
			RefreshTTL: cfg.Token.RefreshTTL,
		},
		Codes: CodeConfig{
			Pepper:          []byte(cfg.OTP.Pepper),
			CodeLength:      cfg.OTP.CodeLength,
			TTL:             cfg.OTP.TTL,
			MaxAttempts:     cfg.OTP.MaxAttempts,
			RequestLimit:    cfg.OTP.RequestLimit,
			RequestWindow:   cfg.OTP.RequestWindow,
			ResendCooldown:  cfg.OTP.ResendCooldown,
			DispatchTimeout: cfg.OTP.DispatchTimeout,
		},
		Signup: SignupConfig{
			StateTTL:   cfg.Signup.StateTTL,
			BcryptCost: cfg.Signup.BcryptCost,
		},
	}
}

// Service bundles the identity components, built once and shared
type Service struct {
	Vault    *SecretVault
	Codes    *CodeEngine
	Sessions *SessionManager
	Signup   *SignupMachine
}

// NewService wires the components together
func NewService(d Deps, o Options) *Service {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Random == nil {
		d.Random = rand.Reader
	}

	vault := NewSecretVault(d.Store, d.Clock, d.Logger.Named("vault"), d.Random, o.Vault)
	codes := NewCodeEngine(d, o.Codes)
	sessions := NewSessionManager(d, vault)
	return &Service{
		Vault:    vault,
		Codes:    codes,
		Sessions: sessions,
		Signup:   NewSignupMachine(d, codes, sessions, o.Signup),
	}
}
