package workflow

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupGormRepo(t *testing.T) ProcessRepo {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 每个连接都是一个独立的内存库
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return NewProcessRepo(db)
}

func setupRedis(t *testing.T) *redis.Client {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestProcessRepo(t *testing.T) {
	repos := map[string]func(t *testing.T) ProcessRepo{
		"memory": func(t *testing.T) ProcessRepo { return NewMemoryProcessRepo() },
		"gorm":   setupGormRepo,
		"redis": func(t *testing.T) ProcessRepo {
			return NewRedisProcessRepo(setupRedis(t), "")
		},
	}
	for name, setup := range repos {
		t.Run(name, func(t *testing.T) {
			testProcessRepo(t, setup(t))
		})
	}
}

func newEntityRecord(uuid string, rootUUID string, kind EntityKind, state State) *EntityRecordPo {
	return &EntityRecordPo{
		UUID:       uuid,
		RootUUID:   rootUUID,
		Kind:       kind,
		Type:       ProcessKindSequential,
		Definition: "repo_test",
		Name:       uuid,
		State:      state,
		Attributes: []byte(`{"name":"` + uuid + `"}`),
		Args:       []byte(`{}`),
		References: []byte(`{}`),
		Tasks:      []byte(`[]`),
	}
}

func testProcessRepo(t *testing.T, repo ProcessRepo) {
	ctx := context.Background()
	records := []*EntityRecordPo{
		newEntityRecord("root-1", "root-1", EntityKindProcess, StateProcessing),
		newEntityRecord("task-1", "root-1", EntityKindTask, StateCompleted),
		newEntityRecord("task-2", "root-1", EntityKindTask, StateEnqueued),
		newEntityRecord("sub-1", "root-1", EntityKindProcess, StateInitial),
		newEntityRecord("root-2", "root-2", EntityKindProcess, StateCompleted),
	}
	require.NoError(t, repo.Transaction(ctx, func(ctx context.Context) error {
		return repo.SaveEntities(ctx, records)
	}))

	t.Run("读取单条记录", func(t *testing.T) {
		record, err := repo.GetEntity(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, "root-1", record.RootUUID)
		assert.Equal(t, EntityKindTask, record.Kind)
		assert.Equal(t, StateCompleted, record.State)
		assert.JSONEq(t, `{"name":"task-1"}`, string(record.Attributes))
		assert.NotZero(t, record.CreatedAt)

		_, err = repo.GetEntity(ctx, "missing")
		assert.ErrorIs(t, err, ErrEntityNotFound)
	})

	t.Run("按条件查询", func(t *testing.T) {
		ret, err := repo.QueryEntities(ctx, &QueryEntityParams{RootUUID: String("root-1"), Page: noLimitPager()})
		require.NoError(t, err)
		assert.Len(t, ret, 4)

		ret, err = repo.QueryEntities(ctx, &QueryEntityParams{UUIDIn: []string{"task-1", "root-2"}, Page: noLimitPager()})
		require.NoError(t, err)
		assert.Len(t, ret, 2)

		ret, err = repo.QueryEntities(ctx, &QueryEntityParams{
			Kind:   String(EntityKindProcess),
			IsRoot: Bool(true),
			Page:   noLimitPager(),
		})
		require.NoError(t, err)
		require.Len(t, ret, 2)
		uuids := []string{ret[0].UUID, ret[1].UUID}
		assert.ElementsMatch(t, []string{"root-1", "root-2"}, uuids)

		ret, err = repo.QueryEntities(ctx, &QueryEntityParams{
			Kind:    String(EntityKindProcess),
			IsRoot:  Bool(false),
			StateIn: []string{StateInitial},
			Page:    noLimitPager(),
		})
		require.NoError(t, err)
		require.Len(t, ret, 1)
		assert.Equal(t, "sub-1", ret[0].UUID)

		count, err := repo.CountEntities(ctx, &QueryEntityParams{Kind: String(EntityKindTask)})
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)

		count, err = repo.CountEntities(ctx, &QueryEntityParams{DefinitionIn: []string{"other"}})
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})

	t.Run("分页", func(t *testing.T) {
		page1, err := repo.QueryEntities(ctx, &QueryEntityParams{RootUUID: String("root-1"), Page: &Pager{Page: 1, Size: 3}})
		require.NoError(t, err)
		page2, err := repo.QueryEntities(ctx, &QueryEntityParams{RootUUID: String("root-1"), Page: &Pager{Page: 2, Size: 3}})
		require.NoError(t, err)
		assert.Len(t, page1, 3)
		assert.Len(t, page2, 1)
		seen := map[string]bool{}
		for _, record := range append(page1, page2...) {
			seen[record.UUID] = true
		}
		assert.Len(t, seen, 4)

		_, err = repo.QueryEntities(ctx, &QueryEntityParams{RootUUID: String("root-1")})
		assert.Error(t, err)
	})

	t.Run("状态CAS", func(t *testing.T) {
		err := repo.UpdateEntityState(ctx, &UpdateEntityStateParams{
			Where:  &UpdateEntityStateWhere{UUID: "task-2", StateIn: []string{StateEnqueued}},
			Fields: &UpdateEntityStateField{State: StateProcessing},
		})
		require.NoError(t, err)

		// 状态已经变了, 同样的条件再更新一次是冲突
		err = repo.UpdateEntityState(ctx, &UpdateEntityStateParams{
			Where:  &UpdateEntityStateWhere{UUID: "task-2", StateIn: []string{StateEnqueued}},
			Fields: &UpdateEntityStateField{State: StateProcessing},
		})
		assert.ErrorIs(t, err, ErrStateConflict)

		err = repo.UpdateEntityState(ctx, &UpdateEntityStateParams{
			Where:  &UpdateEntityStateWhere{UUID: "task-2", StateIn: []string{StateProcessing}},
			Fields: &UpdateEntityStateField{State: StateFailed, LastError: String("boom")},
		})
		require.NoError(t, err)
		record, err := repo.GetEntity(ctx, "task-2")
		require.NoError(t, err)
		assert.Equal(t, StateFailed, record.State)
		assert.Equal(t, "boom", record.LastError)

		err = repo.UpdateEntityState(ctx, &UpdateEntityStateParams{
			Where:  &UpdateEntityStateWhere{UUID: "missing", StateIn: []string{StateInitial}},
			Fields: &UpdateEntityStateField{State: StateEnqueued},
		})
		assert.ErrorIs(t, err, ErrEntityNotFound)

		err = repo.UpdateEntityState(ctx, &UpdateEntityStateParams{
			Where:  &UpdateEntityStateWhere{UUID: "task-2"},
			Fields: &UpdateEntityStateField{State: StateEnqueued},
		})
		assert.ErrorIs(t, err, ErrProcessParamInvalid)
	})

	t.Run("upsert 保留创建时间和状态", func(t *testing.T) {
		before, err := repo.GetEntity(ctx, "sub-1")
		require.NoError(t, err)
		updated := newEntityRecord("sub-1", "root-1", EntityKindProcess, StateCompleted)
		updated.Name = "renamed"
		require.NoError(t, repo.SaveEntities(ctx, []*EntityRecordPo{updated}))

		after, err := repo.GetEntity(ctx, "sub-1")
		require.NoError(t, err)
		assert.Equal(t, "renamed", after.Name)
		assert.Equal(t, StateInitial, after.State)
		assert.Equal(t, before.CreatedAt, after.CreatedAt)
		count, err := repo.CountEntities(ctx, &QueryEntityParams{RootUUID: String("root-1")})
		require.NoError(t, err)
		assert.Equal(t, int64(4), count)
	})
}

func TestGormRepo_TransactionRollback(t *testing.T) {
	ctx := context.Background()
	repo := setupGormRepo(t)
	err := repo.Transaction(ctx, func(ctx context.Context) error {
		if err := repo.SaveEntities(ctx, []*EntityRecordPo{newEntityRecord("tx-1", "tx-1", EntityKindProcess, StateInitial)}); err != nil {
			return err
		}
		return ErrProcessParamInvalid
	})
	assert.ErrorIs(t, err, ErrProcessParamInvalid)
	_, err = repo.GetEntity(ctx, "tx-1")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}
