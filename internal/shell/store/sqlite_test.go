package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/blueprint/internal/core/domain"
	"github.com/artpar/blueprint/internal/core/dsl"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func testPlan(name string) *dsl.Plan {
	return &dsl.Plan{
		Name: name,
		Nodes: []*dsl.Node{{
			ID:         name + ".server",
			Name:       "server",
			Type:       "vm",
			Properties: map[string]any{"size": "small"},
			Operations: map[string]dsl.Operation{"start": {Plugin: "p", Operation: "start"}},
			Plugins: map[string]dsl.Plugin{
				"p": {Name: "p", AgentPlugin: false, Properties: map[string]any{"url": "http://x"}},
			},
			Instances: dsl.Instances{Deploy: 2},
			HostID:    name + ".server",
		}},
		Relationships: map[string]*dsl.RelationshipDef{},
		Workflows:     map[string]string{"install": "radial"},
	}
}

func createTestPlan(t *testing.T, store Store, name string) *domain.PlanRecord {
	t.Helper()
	record, err := domain.NewCompiledRecord(testPlan(name), "file:///"+name+".yaml")
	require.NoError(t, err)
	require.NoError(t, store.CreatePlan(context.Background(), record))
	return record
}

// =============================================================================
// Plan CRUD Tests
// =============================================================================

func TestCreateAndGetPlan(t *testing.T) {
	store := setupTestStore(t)
	record := createTestPlan(t, store, "shop")

	got, err := store.GetPlan(context.Background(), record.ID)
	require.NoError(t, err)

	assert.Equal(t, record.ID, got.ID)
	assert.Equal(t, "shop", got.Name)
	assert.Equal(t, domain.KindCompiled, got.Kind)
	assert.Equal(t, "file:///shop.yaml", got.Location)
	assert.Empty(t, got.SourceID)
	assert.True(t, record.CreatedAt.Equal(got.CreatedAt))

	require.Len(t, got.Plan.Nodes, 1)
	node := got.Plan.Nodes[0]
	assert.Equal(t, "shop.server", node.ID)
	assert.Equal(t, "small", node.Properties["size"])
	assert.Equal(t, dsl.Operation{Plugin: "p", Operation: "start"}, node.Operations["start"])
	assert.Equal(t, "http://x", node.Plugins["p"].Properties["url"])
	assert.Equal(t, 2, node.Instances.Deploy)
	assert.Equal(t, "radial", got.Plan.Workflows["install"])
}

func TestCreatePlan_DuplicateID(t *testing.T) {
	store := setupTestStore(t)
	record := createTestPlan(t, store, "shop")

	err := store.CreatePlan(context.Background(), record)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateID))
}

func TestCreatePlan_InvalidRecord(t *testing.T) {
	store := setupTestStore(t)

	err := store.CreatePlan(context.Background(), &domain.PlanRecord{ID: "x", Kind: domain.KindCompiled})
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestCreatePlan_MissingSource(t *testing.T) {
	store := setupTestStore(t)

	record := &domain.PlanRecord{
		ID:       "expanded-1",
		Name:     "shop",
		Kind:     domain.KindExpanded,
		SourceID: "does-not-exist",
		Plan:     testPlan("shop"),
	}
	err := store.CreatePlan(context.Background(), record)
	assert.ErrorIs(t, err, ErrForeignKey)
}

func TestGetPlan_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetPlan(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "GetPlan", storeErr.Op)
	assert.Equal(t, "missing", storeErr.PlanID)
}

func TestDeletePlan_CascadesToExpansions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	source := createTestPlan(t, store, "shop")
	expanded, err := domain.NewExpandedRecord(source, testPlan("shop"))
	require.NoError(t, err)
	require.NoError(t, store.CreatePlan(ctx, expanded))

	expansions, err := store.ListExpansions(ctx, source.ID, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, expansions, 1)
	assert.Equal(t, expanded.ID, expansions[0].ID)
	assert.Equal(t, source.ID, expansions[0].SourceID)

	require.NoError(t, store.DeletePlan(ctx, source.ID))

	_, err = store.GetPlan(ctx, expanded.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.DeletePlan(ctx, source.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPlans(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := createTestPlan(t, store, "one")
	createTestPlan(t, store, "two")
	expanded, err := domain.NewExpandedRecord(first, testPlan("one"))
	require.NoError(t, err)
	require.NoError(t, store.CreatePlan(ctx, expanded))

	all, err := store.ListPlans(ctx, DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, all, 3)

	compiled, err := store.ListPlans(ctx, ListOptions{Kind: domain.KindCompiled})
	require.NoError(t, err)
	assert.Len(t, compiled, 2)

	page, err := store.ListPlans(ctx, ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestListOptions_Normalize(t *testing.T) {
	assert.Equal(t, 100, ListOptions{}.Normalize().Limit)
	assert.Equal(t, 1000, ListOptions{Limit: 5000}.Normalize().Limit)
	assert.Equal(t, 0, ListOptions{Offset: -3}.Normalize().Offset)
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestWithTx_Rollback(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	record, err := domain.NewCompiledRecord(testPlan("shop"), "")
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx Store) error {
		require.NoError(t, tx.CreatePlan(ctx, record))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetPlan(ctx, record.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWithTx_Commit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	record, err := domain.NewCompiledRecord(testPlan("shop"), "")
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx Store) error {
		return tx.CreatePlan(ctx, record)
	})
	require.NoError(t, err)

	_, err = store.GetPlan(ctx, record.ID)
	assert.NoError(t, err)
}

func TestStoreError_Message(t *testing.T) {
	err := planError("GetPlan", "abc", "plan not found", ErrNotFound)
	assert.Equal(t, "GetPlan plan abc: plan not found", err.Error())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "WithTx: failed", dbError("WithTx", "failed", ErrTxFailed).Error())
}
