/**
 * @description
 * Core business logic of the escrow-service. The `Service` struct orchestrates every
 * escrow operation, coordinating the repository (ledger, transaction log, dispatch queue),
 * the wallet service, the exchange-rate service, the rate limiter and notifications.
 *
 * Key features:
 * - Opens payment escrows and offers them to the worker pool.
 * - Drives the payment state machine for workers, users and admins.
 * - Runs settlement and withdrawal payouts outside of any database transaction.
 *
 * @dependencies
 * - github.com/shopspring/decimal: commission percentages and rates.
 * - github.com/sirupsen/logrus: structured logging.
 * - internal/domain, internal/escrow, internal/store, internal/metrics.
 * - pkg/walletclient: transfer and wallet result types.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cryptopay/escrow-service/internal/domain"
	"github.com/cryptopay/escrow-service/internal/escrow"
	"github.com/cryptopay/escrow-service/internal/metrics"
	"github.com/cryptopay/escrow-service/internal/store"
	"github.com/cryptopay/escrow-service/pkg/walletclient"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// WalletGateway is the wallet service contract.
type WalletGateway interface {
	GetBalance(ctx context.Context, address string) (int64, error)
	Send(ctx context.Context, fromKeyRef, toAddress string, lamports int64) (walletclient.TransferResult, error)
	ProvisionWallet(ctx context.Context, userID int64) (walletclient.Wallet, error)
}

// RateSource returns quote units per one base unit.
type RateSource interface {
	GetRate(ctx context.Context, base, quote string) (decimal.Decimal, error)
}

// Notifier delivers a fire-and-forget event to one recipient.
type Notifier interface {
	Notify(ctx context.Context, recipientID int64, event string, payload interface{}) error
}

// RateLimiter counts actions per subject inside a fixed window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Settings are the business parameters of the service.
type Settings struct {
	Currency               string
	FiatCurrency           string
	MarkupPercent          decimal.Decimal
	WorkerPercent          decimal.Decimal
	MinPaymentFiat         int64
	MaxPaymentFiat         int64
	PaymentTimeout         time.Duration
	PenaltyUSD             decimal.Decimal
	WorkerActionsPerMinute int
	OperatorAddress        string
	OperatorKeyRef         string
	TestMode               bool
}

// DefaultSettings mirrors the config defaults.
func DefaultSettings() Settings {
	return Settings{
		Currency:               domain.CurrencySOL,
		FiatCurrency:           "RUB",
		MarkupPercent:          decimal.NewFromInt(10),
		WorkerPercent:          decimal.NewFromInt(5),
		MinPaymentFiat:         25_000,
		MaxPaymentFiat:         1_000_000,
		PaymentTimeout:         180 * time.Second,
		PenaltyUSD:             decimal.NewFromInt(1),
		WorkerActionsPerMinute: 10,
	}
}

// Dependencies groups the collaborators injected into the service.
type Dependencies struct {
	Repo     store.Repository
	Wallet   WalletGateway
	Rates    RateSource
	Notifier Notifier
	Limiter  RateLimiter
	Metrics  *metrics.Metrics
	Logger   logrus.FieldLogger
	Clock    func() time.Time
}

// Service provides the escrow operations.
type Service struct {
	repo     store.Repository
	wallet   WalletGateway
	rates    RateSource
	notifier Notifier
	limiter  RateLimiter
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	now      func() time.Time
	settings Settings
}

// NewService creates a new escrow service instance.
func NewService(deps Dependencies, settings Settings) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	if settings.Currency == "" {
		settings.Currency = domain.CurrencySOL
	}
	return &Service{
		repo:     deps.Repo,
		wallet:   deps.Wallet,
		rates:    deps.Rates,
		notifier: deps.Notifier,
		limiter:  deps.Limiter,
		metrics:  deps.Metrics,
		log:      logger.WithField("component", "escrow_service"),
		now:      now,
		settings: settings,
	}
}

// Settings returns the business parameters in effect.
func (s *Service) Settings() Settings {
	return s.settings
}

// notify publishes outside the caller's cancellation so a finished request still gets its
// notification out. Failures are logged only.
func (s *Service) notify(ctx context.Context, recipientID int64, event string, payload interface{}) {
	if s.notifier == nil || recipientID == 0 {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.notifier.Notify(nctx, recipientID, event, payload); err != nil {
		s.log.WithFields(logrus.Fields{"recipient_id": recipientID, "event": event}).WithError(err).Warn("notification failed")
	}
}

func (s *Service) notifyRole(ctx context.Context, role domain.Role, event string, payload interface{}) {
	ids, err := s.repo.ListUserIDsByRole(ctx, role)
	if err != nil {
		s.log.WithFields(logrus.Fields{"role": role, "event": event}).WithError(err).Warn("list recipients failed")
		return
	}
	for _, id := range ids {
		s.notify(ctx, id, event, payload)
	}
}

// ResolveActor loads the caller's roles once; test mode grants test deposits to everyone.
func (s *Service) ResolveActor(ctx context.Context, userID int64) (domain.Actor, error) {
	roles, err := s.repo.ListRoles(ctx, userID)
	if err != nil {
		return domain.Actor{}, err
	}
	actor := domain.NewActor(userID, roles)
	if s.settings.TestMode {
		actor.Grant(domain.CapTestDeposits)
	}
	return actor, nil
}

// SeedRoles grants configured admin and worker ids at boot.
func (s *Service) SeedRoles(ctx context.Context, adminIDs, workerIDs []int64) error {
	for _, id := range adminIDs {
		if err := s.repo.GrantRole(ctx, id, domain.RoleAdmin); err != nil {
			return err
		}
	}
	for _, id := range workerIDs {
		if err := s.repo.GrantRole(ctx, id, domain.RoleWorker); err != nil {
			return err
		}
	}
	return nil
}

// ProvisionWallet returns the caller's custodial wallet, asking the signer to generate one on
// first use. Users never choose the address the ledger reconciles against or the key it signs with.
func (s *Service) ProvisionWallet(ctx context.Context, actor domain.Actor) (*domain.Wallet, error) {
	existing, err := s.repo.FindWallet(ctx, actor.UserID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrWalletNotFound) {
		return nil, err
	}
	if s.wallet == nil {
		return nil, errors.New("wallet service not configured")
	}
	issued, err := s.wallet.ProvisionWallet(ctx, actor.UserID)
	if err != nil {
		return nil, fmt.Errorf("provision wallet: %w", err)
	}
	w := domain.Wallet{UserID: actor.UserID, Address: issued.Address, KeyRef: issued.KeyRef}
	if err := s.bindWallet(ctx, w); err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"user_id": actor.UserID, "address": w.Address}).Info("wallet provisioned")
	return &w, nil
}

// AssignWallet binds userID to an existing custodial wallet. Admin only.
func (s *Service) AssignWallet(ctx context.Context, actor domain.Actor, userID int64, address, keyRef string) error {
	if !actor.Can(domain.CapManageWallets) {
		return escrow.ErrForbidden
	}
	w := domain.Wallet{UserID: userID, Address: address, KeyRef: keyRef}
	if err := s.bindWallet(ctx, w); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "admin_id": actor.UserID, "address": w.Address}).Info("wallet assigned")
	return nil
}

// bindWallet refuses the operator's wallet and anything bound to another user.
func (s *Service) bindWallet(ctx context.Context, w domain.Wallet) error {
	w.Address = strings.TrimSpace(w.Address)
	w.KeyRef = strings.TrimSpace(w.KeyRef)
	if w.UserID <= 0 || w.Address == "" || w.KeyRef == "" {
		return fmt.Errorf("address and key reference %w", escrow.ErrMissingWallet)
	}
	if (s.settings.OperatorKeyRef != "" && w.KeyRef == s.settings.OperatorKeyRef) ||
		(s.settings.OperatorAddress != "" && w.Address == s.settings.OperatorAddress) {
		return escrow.ErrWalletInUse
	}
	return s.repo.BindWallet(ctx, w)
}

func strPtr(v string) *string { return &v }

func int64Ptr(v int64) *int64 { return &v }
