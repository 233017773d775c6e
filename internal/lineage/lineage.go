// Package lineage records which documents produced each answer. Records are
// append-only: regenerating an answer appends a child that names the record
// it supersedes.
package lineage

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docverify/internal/apperr"
	"github.com/sells-group/docverify/internal/model"
	"github.com/sells-group/docverify/internal/store"
)

// Trace is a record together with exactly the documents it references.
type Trace struct {
	Record    *model.QueryHistoryRecord `json:"record"`
	Documents []model.Document          `json:"documents"`
}

// Service reads and appends lineage records.
type Service struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
}

// New creates a Service. A zero ttl keeps records forever.
func New(st store.Store, ttl time.Duration) *Service {
	return &Service{store: st, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

// Append stores r, assigning its id, creation time and expiry.
func (s *Service) Append(ctx context.Context, r *model.QueryHistoryRecord) error {
	if strings.TrimSpace(r.Question) == "" {
		return apperr.Validation("question", "question is required")
	}
	if r.Kind != model.QueryAnalytical && r.Kind != model.QueryDescriptive {
		return apperr.Validation("kind", "unknown query kind %q", r.Kind)
	}
	now := s.now()
	r.CreatedAt = now
	if s.ttl > 0 {
		exp := now.Add(s.ttl)
		r.ExpiresAt = &exp
	}
	if err := s.store.AppendQueryRecord(ctx, r); err != nil {
		return eris.Wrap(err, "lineage: append")
	}
	return nil
}

// Supersede appends child as the successor of parent.
func (s *Service) Supersede(ctx context.Context, parent *model.QueryHistoryRecord, child *model.QueryHistoryRecord) error {
	child.ID = ""
	child.ParentID = parent.ID
	return s.Append(ctx, child)
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id string) (*model.QueryHistoryRecord, error) {
	r, err := s.store.GetQueryRecord(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "lineage: get %s", id)
	}
	return r, nil
}

// Heads returns the live, unsuperseded records that reference any of
// docIDs, newest first, each record once.
func (s *Service) Heads(ctx context.Context, docIDs []string) ([]model.QueryHistoryRecord, error) {
	now := s.now()
	seen := make(map[string]bool)
	var out []model.QueryHistoryRecord
	for _, docID := range docIDs {
		heads, err := s.store.ListQueryHeads(ctx, docID, now)
		if err != nil {
			return nil, eris.Wrapf(err, "lineage: heads for %s", docID)
		}
		for _, h := range heads {
			if seen[h.ID] {
				continue
			}
			seen[h.ID] = true
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Documents returns the record and the documents it references, no more
// and no fewer.
func (s *Service) Documents(ctx context.Context, queryID string) (*Trace, error) {
	r, err := s.Get(ctx, queryID)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.GetDocuments(ctx, r.DocumentIDs)
	if err != nil {
		return nil, eris.Wrapf(err, "lineage: documents for %s", queryID)
	}
	return &Trace{Record: r, Documents: docs}, nil
}

// Purge deletes expired records.
func (s *Service) Purge(ctx context.Context) (int, error) {
	n, err := s.store.DeleteExpiredQueryRecords(ctx, s.now())
	if err != nil {
		return 0, eris.Wrap(err, "lineage: purge")
	}
	if n > 0 {
		zap.L().Info("lineage: purged expired records", zap.Int("count", n))
	}
	return n, nil
}
