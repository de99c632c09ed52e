package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// memoryRepo 单进程使用的存储, 测试和不需要持久化的场景
type memoryRepo struct {
	mu       sync.RWMutex
	entities map[string]*EntityRecordPo
}

func NewMemoryProcessRepo() ProcessRepo {
	return &memoryRepo{entities: make(map[string]*EntityRecordPo)}
}

func copyEntity(entity *EntityRecordPo) *EntityRecordPo {
	cp := *entity
	return &cp
}

func (r *memoryRepo) SaveEntities(_ context.Context, entities []*EntityRecordPo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().Unix()
	for _, entity := range entities {
		if entity == nil {
			return errors.New("nil EntityRecordPo")
		}
		if old, ok := r.entities[entity.UUID]; ok {
			// 已经存在的记录状态只能通过 UpdateEntityState 修改
			entity.CreatedAt = old.CreatedAt
			entity.State, entity.LastError = old.State, old.LastError
		} else if entity.CreatedAt == 0 {
			entity.CreatedAt = now
		}
		entity.UpdatedAt = now
		r.entities[entity.UUID] = copyEntity(entity)
	}
	return nil
}

func (r *memoryRepo) GetEntity(_ context.Context, uuid string) (*EntityRecordPo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entity, ok := r.entities[uuid]
	if !ok {
		return nil, errors.WithMessagef(ErrEntityNotFound, "uuid: %s", uuid)
	}
	return copyEntity(entity), nil
}

func (r *memoryRepo) QueryEntities(_ context.Context, param *QueryEntityParams) ([]*EntityRecordPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryEntityParams")
	}
	r.mu.RLock()
	matched := make([]*EntityRecordPo, 0)
	for _, entity := range r.entities {
		if matchEntity(entity, param) {
			matched = append(matched, copyEntity(entity))
		}
	}
	r.mu.RUnlock()
	return pageEntities(matched, param)
}

func (r *memoryRepo) CountEntities(_ context.Context, param *QueryEntityParams) (int64, error) {
	if param == nil {
		return 0, errors.New("nil QueryEntityParams")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var count int64
	for _, entity := range r.entities {
		if matchEntity(entity, param) {
			count++
		}
	}
	return count, nil
}

func (r *memoryRepo) UpdateEntityState(_ context.Context, param *UpdateEntityStateParams) error {
	if err := validatorUtil.Struct(param); err != nil {
		return errors.Wrapf(ErrProcessParamInvalid, "UpdateEntityState failed, err: %v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entity, ok := r.entities[param.Where.UUID]
	if !ok {
		return errors.WithMessagef(ErrEntityNotFound, "uuid: %s", param.Where.UUID)
	}
	if !inStrings(entity.State, param.Where.StateIn) {
		return errors.WithMessagef(ErrStateConflict, "uuid: %s, state: %s, expect state in %v", param.Where.UUID, entity.State, param.Where.StateIn)
	}
	applyStateFields(entity, param.Fields)
	return nil
}

// Transaction 内存存储没有事务, 直接执行
func (r *memoryRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func applyStateFields(entity *EntityRecordPo, fields *UpdateEntityStateField) {
	entity.State = fields.State
	if fields.LastError != nil {
		entity.LastError = *fields.LastError
	}
	entity.UpdatedAt = time.Now().Unix()
}

func inStrings(s string, arr []string) bool {
	for _, item := range arr {
		if item == s {
			return true
		}
	}
	return false
}

// matchEntity 非 sql 存储使用的过滤条件, 和 buildQueryEntityParams 保持一致
func matchEntity(entity *EntityRecordPo, param *QueryEntityParams) bool {
	if len(param.UUIDIn) != 0 && !inStrings(entity.UUID, param.UUIDIn) {
		return false
	}
	if param.RootUUID != nil && entity.RootUUID != *param.RootUUID {
		return false
	}
	if param.Kind != nil && entity.Kind != *param.Kind {
		return false
	}
	if len(param.TypeIn) != 0 && !inStrings(entity.Type, param.TypeIn) {
		return false
	}
	if len(param.DefinitionIn) != 0 && !inStrings(entity.Definition, param.DefinitionIn) {
		return false
	}
	if len(param.StateIn) != 0 && !inStrings(entity.State, param.StateIn) {
		return false
	}
	if param.IsRoot != nil && (entity.UUID == entity.RootUUID) != *param.IsRoot {
		return false
	}
	return true
}

func pageEntities(entities []*EntityRecordPo, param *QueryEntityParams) ([]*EntityRecordPo, error) {
	desc := param.OrderbyCreatedAsc != nil && !*param.OrderbyCreatedAsc
	sort.Slice(entities, func(i, j int) bool {
		a, b := entities[i], entities[j]
		if a.CreatedAt != b.CreatedAt {
			if desc {
				return a.CreatedAt > b.CreatedAt
			}
			return a.CreatedAt < b.CreatedAt
		}
		if desc {
			return a.UUID > b.UUID
		}
		return a.UUID < b.UUID
	})
	if param.Page == nil {
		return nil, errors.New("page is nil")
	}
	if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
		return entities, nil
	}
	if param.Page.Page == 0 {
		param.Page.Page = 1
	}
	if param.Page.Size == 0 {
		param.Page.Size = 10
	}
	start := (param.Page.Page - 1) * param.Page.Size
	if start >= int64(len(entities)) {
		return make([]*EntityRecordPo, 0), nil
	}
	end := start + param.Page.Size
	if end > int64(len(entities)) {
		end = int64(len(entities))
	}
	return entities[start:end], nil
}
