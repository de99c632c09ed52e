package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// redisRepo 每个实体一个 json key, 另外维护 root 索引和全量索引两个 set
//
//	<prefix>entity:<uuid>  -> EntityRecordPo json
//	<prefix>root:<uuid>    -> set(uuid)
//	<prefix>entities       -> set(uuid)
type redisRepo struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisProcessRepo(client redis.UniversalClient, prefix string) ProcessRepo {
	if prefix == "" {
		prefix = "taskflow:"
	}
	return &redisRepo{client: client, prefix: prefix}
}

func (r *redisRepo) entityKey(uuid string) string {
	return r.prefix + "entity:" + uuid
}

func (r *redisRepo) rootKey(rootUUID string) string {
	return r.prefix + "root:" + rootUUID
}

func (r *redisRepo) allKey() string {
	return r.prefix + "entities"
}

func (r *redisRepo) SaveEntities(ctx context.Context, entities []*EntityRecordPo) error {
	if len(entities) == 0 {
		return nil
	}
	uuids := make([]string, 0, len(entities))
	for _, entity := range entities {
		if entity == nil {
			return errors.New("nil EntityRecordPo")
		}
		uuids = append(uuids, entity.UUID)
	}
	olds, err := r.getEntities(ctx, uuids)
	if err != nil {
		return errors.WithMessage(err, "SaveEntities load old entities failed")
	}
	now := time.Now().Unix()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, entity := range entities {
			if old, ok := olds[entity.UUID]; ok {
				entity.CreatedAt = old.CreatedAt
				entity.State, entity.LastError = old.State, old.LastError
			} else if entity.CreatedAt == 0 {
				entity.CreatedAt = now
			}
			entity.UpdatedAt = now
			data, err := json.Marshal(entity)
			if err != nil {
				return errors.WithMessagef(err, "marshal entity failed, uuid: %s", entity.UUID)
			}
			pipe.Set(ctx, r.entityKey(entity.UUID), data, 0)
			pipe.SAdd(ctx, r.rootKey(entity.RootUUID), entity.UUID)
			pipe.SAdd(ctx, r.allKey(), entity.UUID)
		}
		return nil
	})
	if err != nil {
		return errors.WithMessage(err, "SaveEntities failed")
	}
	return nil
}

func (r *redisRepo) getEntities(ctx context.Context, uuids []string) (map[string]*EntityRecordPo, error) {
	ret := make(map[string]*EntityRecordPo, len(uuids))
	if len(uuids) == 0 {
		return ret, nil
	}
	keys := make([]string, 0, len(uuids))
	for _, uuid := range uuids {
		keys = append(keys, r.entityKey(uuid))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.WithMessage(err, "MGet entities failed")
	}
	for i, value := range values {
		s, ok := value.(string)
		if !ok {
			// key 不存在
			continue
		}
		entity := &EntityRecordPo{}
		if err := json.Unmarshal([]byte(s), entity); err != nil {
			return nil, errors.WithMessagef(err, "unmarshal entity failed, uuid: %s", uuids[i])
		}
		ret[entity.UUID] = entity
	}
	return ret, nil
}

func (r *redisRepo) GetEntity(ctx context.Context, uuid string) (*EntityRecordPo, error) {
	data, err := r.client.Get(ctx, r.entityKey(uuid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.WithMessagef(ErrEntityNotFound, "uuid: %s", uuid)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "GetEntity failed, uuid: %s", uuid)
	}
	entity := &EntityRecordPo{}
	if err := json.Unmarshal(data, entity); err != nil {
		return nil, errors.WithMessagef(err, "unmarshal entity failed, uuid: %s", uuid)
	}
	return entity, nil
}

// candidates 先用索引缩小范围, 剩下的条件在内存里面过滤
func (r *redisRepo) candidates(ctx context.Context, param *QueryEntityParams) ([]*EntityRecordPo, error) {
	uuids := param.UUIDIn
	if len(uuids) == 0 {
		key := r.allKey()
		if param.RootUUID != nil {
			key = r.rootKey(*param.RootUUID)
		}
		members, err := r.client.SMembers(ctx, key).Result()
		if err != nil {
			return nil, errors.WithMessagef(err, "SMembers failed, key: %s", key)
		}
		uuids = members
	}
	entities, err := r.getEntities(ctx, uuids)
	if err != nil {
		return nil, err
	}
	ret := make([]*EntityRecordPo, 0, len(entities))
	for _, entity := range entities {
		if matchEntity(entity, param) {
			ret = append(ret, entity)
		}
	}
	return ret, nil
}

func (r *redisRepo) QueryEntities(ctx context.Context, param *QueryEntityParams) ([]*EntityRecordPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryEntityParams")
	}
	entities, err := r.candidates(ctx, param)
	if err != nil {
		return nil, errors.WithMessage(err, "QueryEntities failed")
	}
	return pageEntities(entities, param)
}

func (r *redisRepo) CountEntities(ctx context.Context, param *QueryEntityParams) (int64, error) {
	if param == nil {
		return 0, errors.New("nil QueryEntityParams")
	}
	entities, err := r.candidates(ctx, param)
	if err != nil {
		return 0, errors.WithMessage(err, "CountEntities failed")
	}
	return int64(len(entities)), nil
}

// UpdateEntityState WATCH 实体的 key, 事务提交失败说明有并发修改
func (r *redisRepo) UpdateEntityState(ctx context.Context, param *UpdateEntityStateParams) error {
	if err := validatorUtil.Struct(param); err != nil {
		return errors.Wrapf(ErrProcessParamInvalid, "UpdateEntityState failed, err: %v", err)
	}
	key := r.entityKey(param.Where.UUID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return errors.WithMessagef(ErrEntityNotFound, "uuid: %s", param.Where.UUID)
		}
		if err != nil {
			return err
		}
		entity := &EntityRecordPo{}
		if err := json.Unmarshal(data, entity); err != nil {
			return errors.WithMessagef(err, "unmarshal entity failed, uuid: %s", param.Where.UUID)
		}
		if !inStrings(entity.State, param.Where.StateIn) {
			return errors.WithMessagef(ErrStateConflict, "uuid: %s, state: %s, expect state in %v", param.Where.UUID, entity.State, param.Where.StateIn)
		}
		applyStateFields(entity, param.Fields)
		newData, err := json.Marshal(entity)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newData, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return errors.WithMessagef(ErrStateConflict, "uuid: %s, concurrent modification", param.Where.UUID)
	}
	if err != nil {
		return errors.WithMessagef(err, "UpdateEntityState failed, uuid: %s", param.Where.UUID)
	}
	return nil
}

// Transaction redis 没有跨 key 的回滚, 只保证单次 SaveEntities 原子提交
func (r *redisRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
