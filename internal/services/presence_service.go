package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"safeyou-chat/internal/config"
	"safeyou-chat/internal/logger"
	"safeyou-chat/internal/models"
	"safeyou-chat/internal/repositories"
)

type PresenceTracker interface {
	SetOnline(ctx context.Context, userID string) (models.User, error)
	SetOffline(ctx context.Context, userID string) (models.User, error)
	Heartbeat(ctx context.Context, userID string) (models.User, error)
}

// PresenceService tracks online state and last-seen times.
type PresenceService struct {
	users repositories.UserRepository
	cache repositories.PresenceCache
	bus   EventPublisher
	locks *KeyedLocker
	cfg   config.ChatConfig
	now   func() time.Time
}

func NewPresenceService(users repositories.UserRepository, cache repositories.PresenceCache, bus EventPublisher, locks *KeyedLocker, cfg config.ChatConfig) *PresenceService {
	return &PresenceService{
		users: users,
		cache: cache,
		bus:   bus,
		locks: locks,
		cfg:   cfg,
		now:   time.Now,
	}
}

func (s *PresenceService) SetOnline(ctx context.Context, userID string) (u models.User, err error) {
	ctx, cmd := startCommand(ctx, "presence.online", s.cfg.CommandTimeout, attribute.String("user_id", userID))
	defer cmd.finish(&err)
	return s.update(ctx, userID, func(models.User) (bool, error) { return true, nil })
}

func (s *PresenceService) SetOffline(ctx context.Context, userID string) (u models.User, err error) {
	ctx, cmd := startCommand(ctx, "presence.offline", s.cfg.CommandTimeout, attribute.String("user_id", userID))
	defer cmd.finish(&err)
	return s.update(ctx, userID, func(models.User) (bool, error) { return false, nil })
}

// Heartbeat refreshes lastSeen and keeps isOnline as stored.
func (s *PresenceService) Heartbeat(ctx context.Context, userID string) (u models.User, err error) {
	ctx, cmd := startCommand(ctx, "presence.heartbeat", s.cfg.CommandTimeout, attribute.String("user_id", userID))
	defer cmd.finish(&err)
	return s.update(ctx, userID, func(cur models.User) (bool, error) { return cur.IsOnline, nil })
}

// errNotStale aborts a sweep of a user who was heard from after the sweep
// listed them.
var errNotStale = errors.New("user is no longer stale")

// expire flips userID offline only if the stored user is still stale.
func (s *PresenceService) expire(ctx context.Context, userID string) (u models.User, err error) {
	ctx, cmd := startCommand(ctx, "presence.expire", s.cfg.CommandTimeout, attribute.String("user_id", userID))
	defer cmd.finish(&err)
	return s.update(ctx, userID, func(cur models.User) (bool, error) {
		if !s.IsStale(cur, s.now().UTC()) {
			return cur.IsOnline, errNotStale
		}
		return false, nil
	})
}

func (s *PresenceService) update(ctx context.Context, userID string, online func(models.User) (bool, error)) (models.User, error) {
	unlock, err := s.locks.Lock(ctx, userKey(userID))
	if err != nil {
		return models.User{}, err
	}
	defer unlock()

	cur, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return models.User{}, userLookupErr(err, "user")
	}
	next, err := online(cur)
	if err != nil {
		return cur, err
	}
	now := s.now().UTC()
	u, err := s.users.UpdatePresence(ctx, userID, next, now)
	if err != nil {
		return models.User{}, userLookupErr(err, "user")
	}

	if next {
		err = s.cache.Touch(ctx, userID, s.cfg.Grace())
	} else {
		err = s.cache.Forget(ctx, userID)
	}
	if err != nil {
		logger.Log.Warn("presence cache update failed", zap.String("user_id", userID), zap.Error(err))
	}

	u = u.Normalize(now)
	ev, evErr := models.UserChanged(u)
	emit(ctx, s.bus, ev, evErr)
	return u, nil
}

// IsStale reports whether an online user has missed heartbeats for longer
// than the grace window.
func (s *PresenceService) IsStale(u models.User, now time.Time) bool {
	return u.IsOnline && now.Sub(u.LastSeen) > s.cfg.Grace()
}

// SweepStale flips every stale online user offline and returns how many
// were changed.
func (s *PresenceService) SweepStale(ctx context.Context) (int, error) {
	online, err := s.users.ListOnlineUsers(ctx)
	if err != nil {
		return 0, transient(err)
	}
	now := s.now().UTC()
	swept := 0
	for _, u := range online {
		if !s.IsStale(u, now) {
			continue
		}
		if alive, err := s.cache.IsAlive(ctx, u.ID); err == nil && alive {
			continue
		}
		if _, err := s.expire(ctx, u.ID); err != nil {
			if errors.Is(err, errNotStale) {
				continue
			}
			logger.Log.Warn("presence sweep failed", zap.String("user_id", u.ID), zap.Error(err))
			continue
		}
		swept++
	}
	return swept, nil
}
