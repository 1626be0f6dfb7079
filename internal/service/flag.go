package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rollgate/internal/eval"
	"rollgate/internal/lock"
	"rollgate/internal/metrics"
	"rollgate/internal/model"
	"rollgate/internal/repository"
	"rollgate/internal/telemetry"
	"rollgate/internal/vitals"
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"
	"rollgate/pkg/logger"

	"go.uber.org/zap"
)

const DefaultLockTTL = 15 * time.Second

// LockKey is the lock guarding every mutation of one flag.
func LockKey(namespace, key string) string {
	return "flag:" + namespace + "/" + key
}

// Deps are the collaborators shared by the flag, rollout and privacy services.
type Deps struct {
	Store     repository.FlagStore
	Audit     repository.AuditInterface
	Feed      *Feed
	Publisher Publisher
	Runtime   *Runtime
	Telemetry telemetry.Sink
	Observer  metrics.EngineObserver
	LockTTL   time.Duration
	Now       func() time.Time
}

func (d *Deps) defaults() {
	if d.Audit == nil {
		d.Audit = repository.NewMemoryAudit(0)
	}
	if d.Feed == nil {
		d.Feed = NewFeed(nil, 0)
	}
	if d.Publisher == nil {
		d.Publisher = LocalPublisher{Feed: d.Feed}
	}
	if d.Runtime == nil {
		d.Runtime = NewRuntime(RuntimeConfig{})
	}
	if d.Telemetry == nil {
		d.Telemetry = telemetry.Discard{}
	}
	if d.Observer == nil {
		d.Observer = metrics.Nop{}
	}
	if d.LockTTL <= 0 {
		d.LockTTL = DefaultLockTTL
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

// record writes an audit row and logs when that fails; the change itself
// has already been committed.
func (d *Deps) record(ctx context.Context, ns, key string, action constraints.AuditAction, oldVal, newVal string) {
	traceID := repository.TraceIDFrom(ctx)
	audit := &model.FlagAudit{
		Namespace: ns,
		Key:       key,
		Action:    string(action),
		OldValue:  oldVal,
		NewValue:  newVal,
		Operator:  GetOperator(ctx),
		TraceID:   traceID,
		CreatedAt: d.Now(),
	}
	if err := d.Audit.Create(ctx, audit); err != nil {
		logger.Error("failed to write audit", zap.String("namespace", ns), zap.String("key", key), zap.String("action", string(action)), zap.Error(err))
	}
}

func (d *Deps) publishFlag(ctx context.Context, cfg *v1.FlagConfig) {
	d.Publisher.Publish(ctx, v1.Message{
		Kind:      constraints.KindFlag,
		Namespace: cfg.Namespace,
		Key:       cfg.Key,
		Version:   cfg.Version,
		Action:    constraints.PUT,
		Flag:      cfg.Clone(),
	})
}

type FlagService struct {
	deps Deps
}

func NewFlagService(deps Deps) *FlagService {
	deps.defaults()
	return &FlagService{deps: deps}
}

// Warm loads the store into the feed, for deployments without an etcd mirror.
func (s *FlagService) Warm(ctx context.Context) error {
	flags, err := s.deps.Store.ListFlags(ctx, "")
	if err != nil {
		return err
	}
	overrides, err := s.deps.Store.ListOverrides(ctx, "", "")
	if err != nil {
		return err
	}
	s.deps.Feed.Load(flags, overrides, 0)
	logger.Info("flag snapshot loaded", zap.Int("flags", len(flags)), zap.Int("overrides", len(overrides)))
	return nil
}

func (s *FlagService) GetFlag(ctx context.Context, namespace, key string) (*v1.FlagConfig, error) {
	return s.deps.Store.GetFlag(ctx, namespace, key)
}

func (s *FlagService) ListFlags(ctx context.Context, namespace string) ([]*v1.FlagConfig, error) {
	return s.deps.Store.ListFlags(ctx, namespace)
}

// PutFlag writes cfg as the next version of the flag. A non-zero cfg.Version
// must equal the stored version. Rollout steps are kept from the stored
// config: percent may be set directly here, but only the rollout controller
// records step history.
func (s *FlagService) PutFlag(ctx context.Context, cfg *v1.FlagConfig) (*v1.FlagConfig, error) {
	if cfg == nil {
		return nil, v1.NewValidationError("flag", "is required")
	}
	next := cfg.Clone()
	var prevJSON string
	err := s.deps.Store.WithLock(ctx, LockKey(next.Namespace, next.Key), s.deps.LockTTL, func(ctx context.Context) error {
		cur, err := s.deps.Store.GetFlag(ctx, next.Namespace, next.Key)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		now := s.deps.Now().UnixMilli()
		next.CreatedAt, next.UpdatedAt = now, now
		if cur != nil {
			if next.Version != 0 && next.Version != cur.Version {
				return fmt.Errorf("%w: have %d, got %d", ErrVersionConflict, cur.Version, next.Version)
			}
			prevJSON = cur.ToJSON()
			next.CreatedAt = cur.CreatedAt
			next.Version = cur.Version + 1
			// strictly increasing even within one millisecond or after a clock step back
			next.UpdatedAt = max(now, cur.UpdatedAt+1)
			if next.Rollout != nil && cur.Rollout != nil {
				next.Rollout.Steps = cur.Rollout.Steps
			}
		} else {
			next.Version = 1
		}
		if err := next.Validate(); err != nil {
			return err
		}
		return s.deps.Store.PutFlag(ctx, next)
	})
	if err != nil {
		return nil, err
	}

	logger.Info("flag saved", zap.String("namespace", next.Namespace), zap.String("key", next.Key), zap.Int64("version", next.Version), zap.String("operator", GetOperator(ctx)))
	s.deps.record(ctx, next.Namespace, next.Key, constraints.AuditPut, prevJSON, next.ToJSON())
	s.deps.publishFlag(ctx, next)
	return next, nil
}

func (s *FlagService) ListOverrides(ctx context.Context, namespace, key string) ([]v1.OverrideEntry, error) {
	return s.deps.Store.ListOverrides(ctx, namespace, key)
}

// PutOverride pins a value for a scope. The value must be of the flag's kind.
func (s *FlagService) PutOverride(ctx context.Context, entry v1.OverrideEntry) (*v1.OverrideEntry, error) {
	if err := entry.Scope.Validate(); err != nil {
		return nil, err
	}
	err := s.deps.Store.WithLock(ctx, LockKey(entry.Namespace, entry.Flag), s.deps.LockTTL, func(ctx context.Context) error {
		cfg, err := s.deps.Store.GetFlag(ctx, entry.Namespace, entry.Flag)
		if err != nil {
			return err
		}
		if kind := cfg.DefaultValue.Kind(); entry.Value.Kind() != kind {
			return v1.NewValidationError("value", "must be of kind "+string(kind))
		}
		entry.Author = GetOperator(ctx)
		entry.UpdatedAt = s.deps.Now().UnixMilli()
		return s.deps.Store.PutOverride(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.deps.record(ctx, entry.Namespace, entry.Flag, constraints.AuditOverridePut, "", entry.Scope.String()+"="+entry.Value.String())
	s.deps.Publisher.Publish(ctx, v1.Message{
		Kind:      constraints.KindOverride,
		Namespace: entry.Namespace,
		Key:       entry.Flag,
		Action:    constraints.PUT,
		Override:  &entry,
	})
	return &entry, nil
}

func (s *FlagService) RemoveOverride(ctx context.Context, namespace, key string, scope v1.OverrideScope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	err := s.deps.Store.WithLock(ctx, LockKey(namespace, key), s.deps.LockTTL, func(ctx context.Context) error {
		return s.deps.Store.RemoveOverride(ctx, namespace, key, scope)
	})
	if err != nil {
		return err
	}
	s.deps.removedOverride(ctx, namespace, key, scope)
	return nil
}

func (d *Deps) removedOverride(ctx context.Context, namespace, key string, scope v1.OverrideScope) {
	d.record(ctx, namespace, key, constraints.AuditOverrideRemove, scope.String(), "")
	d.Publisher.Publish(ctx, v1.Message{
		Kind:      constraints.KindOverride,
		Namespace: namespace,
		Key:       key,
		Action:    constraints.DELETE,
		Override:  &v1.OverrideEntry{Namespace: namespace, Flag: key, Scope: scope},
	})
}

func (s *FlagService) Audits(ctx context.Context, namespace, key string) ([]model.FlagAudit, error) {
	return s.deps.Audit.ListByKey(ctx, namespace, key)
}

// EvaluateRequest asks for the values of Flags (every flag of Namespace
// when empty) for one subject.
type EvaluateRequest struct {
	Namespace string     `json:"namespace"`
	Flags     []string   `json:"flags,omitempty"`
	Seeds     v1.Seeds   `json:"seeds"`
	Context   v1.Context `json:"context"`
	// Track emits an exposure event per evaluated flag.
	Track bool `json:"track,omitempty"`
}

type Evaluation struct {
	Flag    string             `json:"flag"`
	Value   v1.Value           `json:"value"`
	Reason  constraints.Reason `json:"reason"`
	Segment string             `json:"segment,omitempty"`
	Shadow  bool               `json:"shadow,omitempty"`
}

type EvaluateResponse struct {
	Namespace string       `json:"namespace"`
	Revision  int64        `json:"revision"`
	Results   []Evaluation `json:"results"`
}

// Evaluate reads the snapshot cache only; it never locks and never fails.
// Unknown flags evaluate to the zero value with reason default.
func (s *FlagService) Evaluate(ctx context.Context, req EvaluateRequest) EvaluateResponse {
	cache := s.deps.Feed.Cache()
	rt := s.deps.Runtime.Load()
	now := s.deps.Now()
	if req.Context.Namespace == "" {
		req.Context.Namespace = req.Namespace
	}
	if req.Seeds.Namespace == "" {
		req.Seeds.Namespace = req.Namespace
	}

	keys := req.Flags
	if len(keys) == 0 {
		keys = cache.Keys(req.Namespace)
	}
	resp := EvaluateResponse{Namespace: req.Namespace, Revision: cache.Revision(), Results: make([]Evaluation, 0, len(keys))}
	for _, key := range keys {
		cfg := cache.Flag(req.Namespace, key)
		ov := v1.ResolveOverrides(cache.Overrides(req.Namespace, key), req.Seeds.UserID, req.Namespace, now.UnixMilli())
		res := eval.Evaluate(cfg, req.Seeds, req.Context, ov, eval.Options{KillAll: rt.KillAll})

		out := Evaluation{Flag: key, Value: res.Value, Reason: res.Reason, Shadow: res.Shadow}
		if cfg != nil && res.Segment >= 0 && res.Segment < len(cfg.Segments) {
			out.Segment = cfg.Segments[res.Segment].ID
		}
		resp.Results = append(resp.Results, out)
		s.deps.Observer.ObserveEvaluation(string(res.Reason))

		if req.Track && cfg != nil {
			s.deps.Telemetry.Emit(exposure(req, cfg, res, now))
		}
	}
	return resp
}

func exposure(req EvaluateRequest, cfg *v1.FlagConfig, res eval.Result, now time.Time) telemetry.Event {
	ev := telemetry.Event{
		Type:      telemetry.EventExposure,
		TS:        now.UnixMilli(),
		Namespace: cfg.Namespace,
		Flag:      cfg.Key,
		Value:     res.Value,
		Reason:    res.Reason,
		Shadow:    res.Shadow,
		SID:       req.Seeds.Cookie,
		AID:       req.Seeds.AnonID,
		UserID:    req.Seeds.UserID,
	}
	if res.Hit {
		ev.Snap = vitals.SnapshotFor(cfg.Namespace, cfg.Key)
	}
	return ev
}

// Preview evaluates samples against the stored flag at pct.
func (s *FlagService) Preview(ctx context.Context, namespace, key string, samples []eval.Sample, pct float64, keep int) (*eval.PreviewReport, error) {
	if pct < 0 || pct > 100 {
		return nil, v1.NewValidationError("pct", "must be within [0,100]")
	}
	cfg, err := s.deps.Store.GetFlag(ctx, namespace, key)
	if err != nil {
		return nil, err
	}
	rep := eval.Preview(cfg, samples, pct, keep)
	return &rep, nil
}

func (s *FlagService) Snapshot(namespaces map[string]bool) v1.Snapshot {
	return s.deps.Feed.Snapshot(namespaces)
}

func (s *FlagService) Since(rev int64, namespaces map[string]bool) ([]v1.Message, bool) {
	return s.deps.Feed.Since(rev, namespaces)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Health checks the store and, when given, the etcd mirror.
func (s *FlagService) Health(ctx context.Context, etcd *repository.EtcdFlagRepository) error {
	if p, ok := s.deps.Store.(pinger); ok && p.Ping(ctx) != nil {
		return ErrStoreUnhealthy
	}
	if etcd != nil && etcd.Health(ctx) != nil {
		return ErrEtcdUnhealthy
	}
	return nil
}

// IsLocked reports whether err is lock contention.
func IsLocked(err error) bool {
	return errors.Is(err, lock.ErrLocked)
}
