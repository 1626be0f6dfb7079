package service

import (
	"context"
	"errors"

	"rollgate/internal/ndjson"
	"rollgate/internal/privacy"
	"rollgate/internal/repository"
	v1 "rollgate/pkg/api/v1"
	"rollgate/pkg/constraints"
	"rollgate/pkg/logger"

	"go.uber.org/zap"
)

type EraseResult struct {
	Record           privacy.Record        `json:"record"`
	Purged           []privacy.PurgeReport `json:"purged"`
	RemovedOverrides int                   `json:"removedOverrides"`
}

// PrivacyService handles erasure requests: the identifiers are recorded,
// purged from every managed log and their user overrides are removed.
type PrivacyService struct {
	deps     Deps
	log      *privacy.Log
	targets  []privacy.Target
	maxBytes int64
}

func NewPrivacyService(deps Deps, log *privacy.Log, targets []privacy.Target, maxBytes int64) *PrivacyService {
	deps.defaults()
	return &PrivacyService{deps: deps, log: log, targets: targets, maxBytes: maxBytes}
}

// Erase records ids first, so metric reads exclude them even if a purge
// below is skipped or fails.
func (s *PrivacyService) Erase(ctx context.Context, ids privacy.Identifiers, source privacy.Source, note string) (*EraseResult, error) {
	rec, err := s.log.Append(ctx, ids, source, note)
	if errors.Is(err, privacy.ErrNoIdentifiers) {
		return nil, v1.NewValidationError("identifiers", err.Error())
	}
	if err != nil {
		return nil, err
	}
	res := &EraseResult{Record: rec, Purged: []privacy.PurgeReport{}}

	now := s.deps.Now()
	for _, t := range s.targets {
		files, err := ndjson.NewLayout(t.Path).Files(now, 0, 0)
		if err != nil {
			return res, err
		}
		reports, err := privacy.PurgeFiles(ctx, files, rec.Identifiers, s.maxBytes)
		res.Purged = append(res.Purged, reports...)
		if err != nil {
			return res, err
		}
		removed := 0
		for _, r := range reports {
			removed += r.Removed
		}
		s.deps.Observer.ObservePurge(t.Name, removed)
	}

	if rec.UserID != "" {
		n, err := s.removeUserOverrides(ctx, rec.UserID)
		res.RemovedOverrides = n
		if err != nil {
			return res, err
		}
	}
	logger.Info("erasure processed", zap.String("source", string(rec.Source)), zap.Int("files", len(res.Purged)), zap.Int("removed_overrides", res.RemovedOverrides))
	return res, nil
}

func (s *PrivacyService) removeUserOverrides(ctx context.Context, userID string) (int, error) {
	entries, err := s.deps.Store.ListOverrides(ctx, "", "")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.Scope.Type != constraints.ScopeUser || e.Scope.ID != userID {
			continue
		}
		err := s.deps.Store.WithLock(ctx, LockKey(e.Namespace, e.Flag), s.deps.LockTTL, func(ctx context.Context) error {
			return s.deps.Store.RemoveOverride(ctx, e.Namespace, e.Flag, e.Scope)
		})
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		removed++
		s.deps.record(ctx, e.Namespace, e.Flag, constraints.AuditPrivacyErase, "user override", "")
		s.deps.Publisher.Publish(ctx, v1.Message{
			Kind:      constraints.KindOverride,
			Namespace: e.Namespace,
			Key:       e.Flag,
			Action:    constraints.DELETE,
			Override:  &v1.OverrideEntry{Namespace: e.Namespace, Flag: e.Flag, Scope: e.Scope},
		})
	}
	return removed, nil
}
