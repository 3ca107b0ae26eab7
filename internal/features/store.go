package features

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/syncutil"
)

const profileKeyPrefix = "profile:"

// ProfileStore keeps user profiles in a cache and serializes access per user.
//
// The per-user lock is process-local. In a cluster, route a user's traffic
// to one node (the NATS ingestion queue group does this per message, not per
// user) or accept that cross-node updates for the same user may interleave.
type ProfileStore struct {
	cache   domain.Cache
	history domain.TransactionHistory
	locks   *syncutil.KeyedMutex
	cfg     domain.ProfileConfig
	logger  *slog.Logger
	now     func() time.Time

	hydrations  atomic.Uint64
	saveFailure atomic.Uint64
}

// NewProfileStore creates a profile store. history may be nil, in which case
// evicted profiles restart empty.
func NewProfileStore(cache domain.Cache, history domain.TransactionHistory, cfg domain.ProfileConfig, logger *slog.Logger) *ProfileStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	if cfg.MaxRecent <= 0 {
		cfg.MaxRecent = 50
	}
	if cfg.VelocityWindow <= 0 {
		cfg.VelocityWindow = 5 * time.Minute
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = cfg.TTL
	}
	return &ProfileStore{
		cache:   cache,
		history: history,
		locks:   syncutil.NewKeyedMutex(),
		cfg:     cfg,
		logger:  logger.With("component", "profiles"),
		now:     time.Now,
	}
}

// WithProfile runs fn with exclusive access to the user's profile and
// persists the profile after fn returns nil. Calls for the same user are
// applied one at a time in lock acquisition order; different users never
// contend.
func (s *ProfileStore) WithProfile(ctx context.Context, userID string, fn func(p *domain.UserProfile) error) error {
	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to lock profile %s: %w", userID, err)
	}
	defer unlock()

	profile := s.load(ctx, userID)

	if err := fn(profile); err != nil {
		return err
	}

	s.save(ctx, profile)
	return nil
}

// Get returns a snapshot of the user's profile without taking the user lock.
func (s *ProfileStore) Get(ctx context.Context, userID string) *domain.UserProfile {
	return s.load(ctx, userID)
}

// Record applies tx to the user's profile.
func (s *ProfileStore) Record(p *domain.UserProfile, tx *domain.Transaction) {
	Apply(p, tx, s.cfg.MaxRecent, s.cfg.VelocityWindow)
}

// Stats returns how many profiles were rebuilt from history and how many
// saves failed.
func (s *ProfileStore) Stats() (hydrations, saveFailures uint64) {
	return s.hydrations.Load(), s.saveFailure.Load()
}

func (s *ProfileStore) load(ctx context.Context, userID string) *domain.UserProfile {
	data, err := s.cache.Get(ctx, profileKeyPrefix+userID)
	if err != nil {
		s.logger.Warn("profile cache read failed, rebuilding from history",
			"user_id", userID,
			"error", err,
		)
	}

	if data != nil {
		var p domain.UserProfile
		if err := json.Unmarshal(data, &p); err == nil {
			if p.KnownDevices == nil {
				p.KnownDevices = make(map[string]bool)
			}
			return &p
		}
		s.logger.Warn("discarding corrupt cached profile", "user_id", userID)
	}

	return s.hydrate(ctx, userID)
}

func (s *ProfileStore) hydrate(ctx context.Context, userID string) *domain.UserProfile {
	p := domain.NewUserProfile(userID)
	if s.history == nil {
		return p
	}

	since := s.now().Add(-s.cfg.HistoryWindow)
	txs, err := s.history.GetTransactionsByUser(ctx, userID, since)
	if err != nil {
		s.logger.Warn("failed to load user history",
			"user_id", userID,
			"error", err,
		)
		return p
	}
	if len(txs) == 0 {
		return p
	}

	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].Timestamp.Before(txs[j].Timestamp)
	})
	for _, tx := range txs {
		Apply(p, tx, s.cfg.MaxRecent, s.cfg.VelocityWindow)
	}

	s.hydrations.Add(1)
	s.logger.Debug("profile rebuilt from history",
		"user_id", userID,
		"transactions", len(txs),
	)
	return p
}

func (s *ProfileStore) save(ctx context.Context, p *domain.UserProfile) {
	data, err := json.Marshal(p)
	if err == nil {
		err = s.cache.Set(ctx, profileKeyPrefix+p.UserID, data, s.cfg.TTL)
	}
	if err != nil {
		s.saveFailure.Add(1)
		s.logger.Error("failed to save profile",
			"user_id", p.UserID,
			"error", err,
		)
	}
}
