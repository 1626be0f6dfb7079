package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rollgate/internal/lock"
	"rollgate/internal/model"
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"

	"gorm.io/gorm"
)

// GormStore keeps flags and overrides in SQL. With an outbox attached, every
// write also queues its change message in the same transaction so it can be
// mirrored to etcd.
type GormStore struct {
	db     *gorm.DB
	locker lock.Locker
	outbox bool
}

type GormOption func(*GormStore)

// WithOutbox queues a model.OutboxTask for every write.
func WithOutbox() GormOption { return func(s *GormStore) { s.outbox = true } }

func NewGormStore(db *gorm.DB, locker lock.Locker, opts ...GormOption) *GormStore {
	if locker == nil {
		locker = lock.NewMemory()
	}
	s := &GormStore{db: db, locker: locker}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate creates the tables the store and its audit/outbox repositories use.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.FlagRecord{},
		&model.OverrideRecord{},
		&model.FlagAudit{},
		&model.OutboxTask{},
	)
}

func (s *GormStore) GetFlag(ctx context.Context, namespace, key string) (*v1.FlagConfig, error) {
	var rec model.FlagRecord
	err := s.db.WithContext(ctx).Where("namespace = ? AND flag_key = ?", namespace, key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("flag %s/%s: %w", namespace, key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeFlag(rec)
}

func (s *GormStore) PutFlag(ctx context.Context, cfg *v1.FlagConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload := cfg.ToJSON()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec model.FlagRecord
		err := tx.Where("namespace = ? AND flag_key = ?", cfg.Namespace, cfg.Key).First(&rec).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		rec.Namespace = cfg.Namespace
		rec.Key = cfg.Key
		rec.Config = payload
		rec.Version = cfg.Version
		rec.Enabled = cfg.Enabled
		rec.KillSwitch = cfg.KillSwitch
		rec.RolloutPct = 0
		if cfg.Rollout != nil {
			rec.RolloutPct = cfg.Rollout.Percent
		}
		if err := tx.Save(&rec).Error; err != nil {
			return err
		}
		return s.enqueue(ctx, tx, v1.Message{
			Kind:      constraints.KindFlag,
			Namespace: cfg.Namespace,
			Key:       cfg.Key,
			Version:   cfg.Version,
			Action:    constraints.PUT,
			Flag:      cfg,
		})
	})
}

func (s *GormStore) ListFlags(ctx context.Context, namespace string) ([]*v1.FlagConfig, error) {
	var recs []model.FlagRecord
	q := s.db.WithContext(ctx)
	if namespace != "" {
		q = q.Where("namespace = ?", namespace)
	}
	if err := q.Order("namespace ASC, flag_key ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*v1.FlagConfig, 0, len(recs))
	for _, r := range recs {
		f, err := decodeFlag(r)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *GormStore) ListOverrides(ctx context.Context, namespace, flag string) ([]v1.OverrideEntry, error) {
	var recs []model.OverrideRecord
	q := s.db.WithContext(ctx)
	if namespace != "" {
		q = q.Where("namespace = ?", namespace)
	}
	if flag != "" {
		q = q.Where("flag = ?", flag)
	}
	if err := q.Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]v1.OverrideEntry, 0, len(recs))
	for _, r := range recs {
		e, err := decodeOverride(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *GormStore) PutOverride(ctx context.Context, entry v1.OverrideEntry) error {
	if err := entry.Scope.Validate(); err != nil {
		return err
	}
	val, err := json.Marshal(entry.Value)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec model.OverrideRecord
		err := tx.Where("namespace = ? AND flag = ? AND scope_type = ? AND scope_id = ?",
			entry.Namespace, entry.Flag, string(entry.Scope.Type), entry.Scope.ID).First(&rec).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		rec.Namespace = entry.Namespace
		rec.Flag = entry.Flag
		rec.ScopeType = string(entry.Scope.Type)
		rec.ScopeID = entry.Scope.ID
		rec.Value = string(val)
		rec.Author = entry.Author
		rec.Reason = entry.Reason
		rec.UpdatedAt = entry.UpdatedAt
		rec.ExpiresAt = entry.ExpiresAt
		if err := tx.Save(&rec).Error; err != nil {
			return err
		}
		return s.enqueue(ctx, tx, v1.Message{
			Kind:      constraints.KindOverride,
			Namespace: entry.Namespace,
			Key:       entry.Flag,
			Action:    constraints.PUT,
			Override:  &entry,
		})
	})
}

func (s *GormStore) RemoveOverride(ctx context.Context, namespace, flag string, scope v1.OverrideScope) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("namespace = ? AND flag = ? AND scope_type = ? AND scope_id = ?",
			namespace, flag, string(scope.Type), scope.ID).Delete(&model.OverrideRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("override %s: %w", overrideID(namespace, flag, scope), ErrNotFound)
		}
		return s.enqueue(ctx, tx, v1.Message{
			Kind:      constraints.KindOverride,
			Namespace: namespace,
			Key:       flag,
			Action:    constraints.DELETE,
			Override:  &v1.OverrideEntry{Namespace: namespace, Flag: flag, Scope: scope},
		})
	})
}

func (s *GormStore) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	return lock.WithLock(ctx, s.locker, key, ttl, fn)
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) enqueue(ctx context.Context, tx *gorm.DB, msg v1.Message) error {
	if !s.outbox {
		return nil
	}
	traceID := TraceIDFrom(ctx)
	return NewOutboxRepository(tx).Create(ctx, &model.OutboxTask{
		Namespace: msg.Namespace,
		Key:       flagID(msg.Namespace, msg.Key),
		Kind:      string(msg.Kind),
		Payload:   msg.ToJSON(),
		Status:    model.StatusPending,
		TraceID:   traceID,
	})
}

func decodeFlag(rec model.FlagRecord) (*v1.FlagConfig, error) {
	var f v1.FlagConfig
	if err := json.Unmarshal([]byte(rec.Config), &f); err != nil {
		return nil, fmt.Errorf("decode flag %s/%s: %w", rec.Namespace, rec.Key, err)
	}
	return &f, nil
}

func decodeOverride(rec model.OverrideRecord) (v1.OverrideEntry, error) {
	e := v1.OverrideEntry{
		Namespace: rec.Namespace,
		Flag:      rec.Flag,
		Scope:     v1.OverrideScope{Type: constraints.Scope(rec.ScopeType), ID: rec.ScopeID},
		Author:    rec.Author,
		Reason:    rec.Reason,
		UpdatedAt: rec.UpdatedAt,
		ExpiresAt: rec.ExpiresAt,
	}
	if err := json.Unmarshal([]byte(rec.Value), &e.Value); err != nil {
		return e, fmt.Errorf("decode override %d: %w", rec.ID, err)
	}
	return e, nil
}
