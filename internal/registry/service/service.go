package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/smallbiznis/clawtrace/internal/cache"
	"github.com/smallbiznis/clawtrace/internal/clock"
	"github.com/smallbiznis/clawtrace/internal/config"
	"github.com/smallbiznis/clawtrace/internal/device"
	obsmetrics "github.com/smallbiznis/clawtrace/internal/observability/metrics"
	"github.com/smallbiznis/clawtrace/internal/pricing"
	"github.com/smallbiznis/clawtrace/internal/ratelimit"
	"github.com/smallbiznis/clawtrace/internal/registry/domain"
	usagedomain "github.com/smallbiznis/clawtrace/internal/usage/domain"
)

const (
	deviceIDBytes     = 16
	deviceSecretBytes = 32
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Config    config.Config
	GenID     *snowflake.Node
	Repo      domain.Repository
	Locker    ratelimit.DeviceLocker
	AuthCache cache.DeviceAuthCache
	Clock     clock.Clock
	Pricing   *pricing.Table
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	repo      domain.Repository
	genID     *snowflake.Node
	locker    ratelimit.DeviceLocker
	authCache cache.DeviceAuthCache
	clock     clock.Clock
	table     *pricing.Table
	metrics   *obsmetrics.Metrics
	baseURL   string
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	table := p.Pricing
	if table == nil {
		table = pricing.DefaultTable()
	}
	locker := p.Locker
	if locker == nil {
		locker = ratelimit.NewKeyedMutex()
	}
	authCache := p.AuthCache
	if authCache == nil {
		authCache = cache.NewDeviceAuthCache(0)
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("registry.service"),
		repo:      p.Repo,
		genID:     p.GenID,
		locker:    locker,
		authCache: authCache,
		clock:     clk,
		table:     table,
		metrics:   p.Metrics,
		baseURL:   strings.TrimRight(p.Config.PublicBaseURL, "/"),
	}
}

// Register issues a new identity on every call. Nothing is merged with
// earlier registrations.
func (s *Service) Register(ctx context.Context) (usagedomain.RegisterResponse, error) {
	id, err := randomHex(deviceIDBytes)
	if err != nil {
		return usagedomain.RegisterResponse{}, err
	}
	secret, err := randomHex(deviceSecretBytes)
	if err != nil {
		return usagedomain.RegisterResponse{}, err
	}
	hash, err := hashSecret(secret)
	if err != nil {
		return usagedomain.RegisterResponse{}, err
	}

	now := s.clock.Now().UTC()
	d := &domain.Device{
		ID:           id,
		SecretHash:   hash,
		Tier:         domain.TierFree,
		Metadata:     datatypes.JSONMap{},
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if err := s.repo.InsertDevice(ctx, s.db, d); err != nil {
		return usagedomain.RegisterResponse{}, err
	}
	s.authCache.Remember(id, secret, string(d.Tier))
	s.metrics.RecordRegistration(ctx)
	s.log.Info("device registered", zap.String("device_id", id))

	return usagedomain.RegisterResponse{
		DeviceID:     id,
		DeviceSecret: secret,
		Tier:         string(d.Tier),
		DashboardURL: s.dashboardURL(id, secret),
	}, nil
}

func (s *Service) Authenticate(ctx context.Context, deviceID, secret string) (domain.Principal, error) {
	deviceID = strings.ToLower(strings.TrimSpace(deviceID))
	if !device.ValidID(deviceID) {
		return domain.Principal{}, domain.ErrInvalidDeviceID
	}
	if secret == "" {
		return domain.Principal{}, domain.ErrInvalidSecret
	}
	if tier, ok := s.authCache.Verified(deviceID, secret); ok {
		return domain.Principal{DeviceID: deviceID, Tier: domain.Tier(tier)}, nil
	}

	d, err := s.repo.FindDevice(ctx, s.db, deviceID)
	if err != nil {
		return domain.Principal{}, err
	}
	if d == nil || !verifySecret(secret, d.SecretHash) {
		return domain.Principal{}, domain.ErrInvalidSecret
	}
	s.authCache.Remember(deviceID, secret, string(d.Tier))
	return domain.Principal{DeviceID: d.ID, Tier: d.Tier}, nil
}

// Claim moves a device to a paid tier against a payment reference. The caller
// has already proven the operator credential. Claiming the current tier again
// is a successful no-op.
func (s *Service) Claim(ctx context.Context, req usagedomain.ClaimRequest) (usagedomain.ClaimResponse, error) {
	deviceID := strings.ToLower(strings.TrimSpace(req.DeviceID))
	if !device.ValidID(deviceID) {
		return usagedomain.ClaimResponse{}, domain.ErrInvalidDeviceID
	}
	tier, err := domain.ParseTier(req.Tier)
	if err != nil || !tier.Paid() {
		return usagedomain.ClaimResponse{}, domain.ErrInvalidTier
	}
	paymentRef := strings.TrimSpace(req.PaymentReference)
	if paymentRef == "" {
		return usagedomain.ClaimResponse{}, domain.ErrInvalidPaymentReference
	}

	var resp usagedomain.ClaimResponse
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d, err := s.repo.FindDevice(ctx, tx, deviceID)
		if err != nil {
			return err
		}
		if d == nil {
			return domain.ErrDeviceNotFound
		}
		resp = usagedomain.ClaimResponse{DeviceID: d.ID, Tier: string(tier)}
		if d.Tier == tier {
			return nil
		}

		now := s.clock.Now().UTC()
		if d.Metadata == nil {
			d.Metadata = datatypes.JSONMap{}
		}
		d.Metadata["previous_tier"] = string(d.Tier)
		d.Metadata["claimed_at"] = now.Format(time.RFC3339)
		d.Metadata["payment_reference"] = paymentRef
		d.Tier = tier
		d.UpdatedAt = now
		resp.Changed = true
		return s.repo.UpdateDevice(ctx, tx, d)
	})
	if err != nil {
		return usagedomain.ClaimResponse{}, err
	}
	if resp.Changed {
		s.authCache.Forget(deviceID)
		s.log.Info("device tier changed", zap.String("device_id", deviceID), zap.String("tier", resp.Tier))
	}
	return resp, nil
}

func (s *Service) findDevice(ctx context.Context, db *gorm.DB, deviceID string) (*domain.Device, error) {
	if !device.ValidID(deviceID) {
		return nil, domain.ErrInvalidDeviceID
	}
	d, err := s.repo.FindDevice(ctx, db, deviceID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, domain.ErrDeviceNotFound
	}
	return d, nil
}

func (s *Service) dashboardURL(id, secret string) string {
	return s.baseURL + "/d/" + id + "#" + secret
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
