package lineage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docverify/internal/apperr"
	"github.com/sells-group/docverify/internal/model"
	"github.com/sells-group/docverify/internal/store"
)

func newTestService(t *testing.T, ttl time.Duration) (*Service, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "lineage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))
	for _, id := range []string{"d1", "d2", "d3"} {
		require.NoError(t, st.CreateDocument(ctx, &model.Document{ID: id, Name: id, Status: model.DocumentStatusCompleted}))
	}
	return New(st, ttl), st
}

func TestAppendAssignsMetadata(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	ctx := context.Background()

	r := &model.QueryHistoryRecord{Question: "total?", Answer: "3", Kind: model.QueryAnalytical, DocumentIDs: []string{"d1", "d2"}}
	require.NoError(t, svc.Append(ctx, r))
	assert.NotEmpty(t, r.ID)
	require.NotNil(t, r.ExpiresAt)
	assert.WithinDuration(t, r.CreatedAt.Add(time.Hour), *r.ExpiresAt, time.Second)

	got, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "total?", got.Question)
	assert.Equal(t, []string{"d1", "d2"}, got.DocumentIDs)
}

func TestAppendValidation(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()

	var ve *apperr.ValidationError
	err := svc.Append(ctx, &model.QueryHistoryRecord{Kind: model.QueryAnalytical})
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "question", ve.Field)

	err = svc.Append(ctx, &model.QueryHistoryRecord{Question: "q", Kind: "opinion"})
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "kind", ve.Field)
}

func TestSupersedeKeepsParentImmutable(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()

	parent := &model.QueryHistoryRecord{Question: "who?", Answer: "Acme", Kind: model.QueryDescriptive, DocumentIDs: []string{"d1"}}
	require.NoError(t, svc.Append(ctx, parent))

	child := *parent
	child.Answer = "Acme Corp"
	require.NoError(t, svc.Supersede(ctx, parent, &child))
	assert.NotEqual(t, parent.ID, child.ID)
	assert.Equal(t, parent.ID, child.ParentID)

	orig, err := svc.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme", orig.Answer, "parent unchanged")

	heads, err := svc.Heads(ctx, []string{"d1"})
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, child.ID, heads[0].ID)
}

func TestHeadsDedupesAcrossDocuments(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	svc.now = func() time.Time { return base }
	older := &model.QueryHistoryRecord{Question: "a", Kind: model.QueryAnalytical, DocumentIDs: []string{"d1", "d2"}}
	require.NoError(t, svc.Append(ctx, older))

	svc.now = func() time.Time { return base.Add(time.Minute) }
	newer := &model.QueryHistoryRecord{Question: "b", Kind: model.QueryAnalytical, DocumentIDs: []string{"d2"}}
	require.NoError(t, svc.Append(ctx, newer))

	heads, err := svc.Heads(ctx, []string{"d1", "d2", "d3"})
	require.NoError(t, err)
	require.Len(t, heads, 2)
	assert.Equal(t, newer.ID, heads[0].ID)
	assert.Equal(t, older.ID, heads[1].ID)
}

func TestDocumentsReturnsExactSet(t *testing.T) {
	svc, _ := newTestService(t, 0)
	ctx := context.Background()

	r := &model.QueryHistoryRecord{Question: "q", Kind: model.QueryAnalytical, DocumentIDs: []string{"d3", "d1"}}
	require.NoError(t, svc.Append(ctx, r))

	trace, err := svc.Documents(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, trace.Documents, 2)
	assert.Equal(t, "d1", trace.Documents[0].ID)
	assert.Equal(t, "d3", trace.Documents[1].ID)

	_, err = svc.Documents(ctx, "missing")
	var nf *apperr.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestPurge(t *testing.T) {
	svc, _ := newTestService(t, time.Hour)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	r := &model.QueryHistoryRecord{Question: "q", Kind: model.QueryAnalytical, DocumentIDs: []string{"d1"}}
	require.NoError(t, svc.Append(ctx, r))

	n, err := svc.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	svc.now = func() time.Time { return base.Add(2 * time.Hour) }
	heads, err := svc.Heads(ctx, []string{"d1"})
	require.NoError(t, err)
	assert.Empty(t, heads, "expired records are not heads")

	n, err = svc.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.Get(ctx, r.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
