package killswitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"outreach-engine/internal/domain"
	"outreach-engine/internal/metrics"
	"outreach-engine/internal/store"
)

// SettingStore is the persistence the switch needs.
type SettingStore interface {
	GetSetting(ctx context.Context, key string) (domain.SystemSetting, error)
	UpsertSetting(ctx context.Context, s domain.SystemSetting, entry domain.AuditLogEntry) error
}

const description = "Emergency stop flag - when true, all email sending is paused"

// readTimeout bounds a store read shared by every caller waiting on it.
const readTimeout = 2 * time.Second

type Options struct {
	TTL time.Duration
	// Override is consulted when the store is unreachable or holds no row.
	Override func() bool
	Now      func() time.Time
}

type Switch struct {
	store    SettingStore
	cache    *TTLCache[bool]
	override func() bool
	now      func() time.Time
	group    singleflight.Group
	// gen increments on every write so a read that raced it cannot cache a stale value.
	gen atomic.Uint64
	log *slog.Logger
}

func New(s SettingStore, opts Options, log *slog.Logger) *Switch {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Override == nil {
		opts.Override = func() bool { return false }
	}
	if log == nil {
		log = slog.Default()
	}
	return &Switch{
		store:    s,
		cache:    NewTTLCache[bool](opts.TTL, opts.Now),
		override: opts.Override,
		now:      opts.Now,
		log:      log.With("component", "killswitch"),
	}
}

// IsActive never returns an error: store failures resolve to the override.
func (s *Switch) IsActive(ctx context.Context) bool {
	if v, ok := s.cache.Get(); ok {
		return v
	}

	v, _, _ := s.group.Do(domain.SettingEmergencyStop, func() (any, error) {
		if v, ok := s.cache.Get(); ok {
			return v, nil
		}
		gen := s.gen.Load()
		active, cacheable := s.load(ctx)
		if s.gen.Load() != gen {
			if v, ok := s.cache.Get(); ok {
				return v, nil
			}
			return active, nil
		}
		if cacheable {
			s.cache.Set(active)
		}
		metrics.KillSwitchActive.Set(metrics.BoolGauge(active))
		return active, nil
	})
	return v.(bool)
}

// load reads the flag for every caller sharing the flight, so it detaches from
// the first caller's cancellation. A read error yields the override uncached.
func (s *Switch) load(ctx context.Context) (active, cacheable bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), readTimeout)
	defer cancel()

	setting, err := s.store.GetSetting(ctx, domain.SettingEmergencyStop)
	if errors.Is(err, store.ErrNotFound) {
		return s.override(), true
	}
	if err != nil {
		s.log.Warn("emergency stop read failed, using override", "err", err)
		return s.override(), false
	}
	active, err = strconv.ParseBool(strings.TrimSpace(setting.Value))
	if err != nil {
		s.log.Warn("emergency stop value unreadable, using override", "value", setting.Value)
		return s.override(), true
	}
	return active, true
}

// Set persists the flag and refreshes the cache so the caller reads its own write.
func (s *Switch) Set(ctx context.Context, active bool, actor string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = "system"
	}
	now := s.now().UTC()

	verb := "deactivated"
	if active {
		verb = "activated"
	}
	err := s.store.UpsertSetting(ctx,
		domain.SystemSetting{
			Key:         domain.SettingEmergencyStop,
			Value:       strconv.FormatBool(active),
			Description: description,
			UpdatedAt:   now,
			UpdatedBy:   actor,
		},
		domain.AuditLogEntry{
			Action:    domain.ActionKillSwitchActivated,
			Reasoning: fmt.Sprintf("Emergency stop %s by %s", verb, actor),
			Metadata:  domain.KillSwitch{Active: active, Actor: actor},
			CreatedAt: now,
		},
	)
	if err != nil {
		return fmt.Errorf("set emergency stop: %w", err)
	}

	s.gen.Add(1)
	s.group.Forget(domain.SettingEmergencyStop)
	s.cache.Set(active)
	metrics.KillSwitchActive.Set(metrics.BoolGauge(active))
	s.log.Info("emergency stop "+verb, "actor", actor)
	return nil
}

// Invalidate drops the cached value; the next read goes to the store.
func (s *Switch) Invalidate() { s.cache.Clear() }
