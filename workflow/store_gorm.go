package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type entityRepo struct {
	db *gorm.DB
}

func NewProcessRepo(db *gorm.DB) ProcessRepo {
	return &entityRepo{
		db: db,
	}
}

// AutoMigrate 建表, 生产环境建议自己维护表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EntityRecordPo{})
}

func (r *entityRepo) SaveEntities(ctx context.Context, entities []*EntityRecordPo) error {
	if len(entities) == 0 {
		return nil
	}
	now := time.Now().Unix()
	for _, entity := range entities {
		if entity == nil {
			return errors.New("nil EntityRecordPo")
		}
		if entity.CreatedAt == 0 {
			entity.CreatedAt = now
		}
		entity.UpdatedAt = now
	}
	// created_at 保留第一次写入的值; state/last_error 只能通过 UpdateEntityState 修改,
	// 否则保存一个旧的图会把状态回滚
	err := r.GetDBWithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "uuid"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"root_uuid", "kind", "type", "definition", "name",
			"attributes", "args", "refs", "tasks", "updated_at",
		}),
	}).Create(&entities).Error
	if err != nil {
		return errors.WithMessage(err, "SaveEntities failed")
	}
	return nil
}

func (r *entityRepo) GetEntity(ctx context.Context, uuid string) (*EntityRecordPo, error) {
	pos := make([]*EntityRecordPo, 0, 1)
	if err := r.GetDBWithContext(ctx).Where("uuid = ?", uuid).Limit(1).Find(&pos).Error; err != nil {
		return nil, errors.WithMessagef(err, "GetEntity failed, uuid: %s", uuid)
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrEntityNotFound, "uuid: %s", uuid)
	}
	return pos[0], nil
}

func buildQueryEntityParams(db *gorm.DB, isCount bool, param *QueryEntityParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryEntityParams")
	}
	if len(param.UUIDIn) != 0 {
		db = db.Where("uuid IN ?", param.UUIDIn)
	}
	if param.RootUUID != nil {
		db = db.Where("root_uuid = ?", *param.RootUUID)
	}
	if param.Kind != nil {
		db = db.Where("kind = ?", *param.Kind)
	}
	if len(param.TypeIn) != 0 {
		db = db.Where("type IN ?", param.TypeIn)
	}
	if len(param.DefinitionIn) != 0 {
		db = db.Where("definition IN ?", param.DefinitionIn)
	}
	if len(param.StateIn) != 0 {
		db = db.Where("state IN ?", param.StateIn)
	}
	if param.IsRoot != nil {
		if *param.IsRoot {
			db = db.Where("uuid = root_uuid")
		} else {
			db = db.Where("uuid <> root_uuid")
		}
	}
	if isCount {
		return db, nil
	}
	if param.OrderbyCreatedAsc != nil && !*param.OrderbyCreatedAsc {
		db = db.Order("created_at desc").Order("uuid desc")
	} else {
		db = db.Order("created_at asc").Order("uuid asc")
	}
	if param.Page == nil {
		return nil, errors.New("page is nil")
	}
	if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
		// 不分页显示指定了true
		return db, nil
	}
	if param.Page.Page == 0 {
		param.Page.Page = 1
	}
	if param.Page.Size == 0 {
		param.Page.Size = 10
	}
	db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	return db, nil
}

func (r *entityRepo) QueryEntities(ctx context.Context, param *QueryEntityParams) ([]*EntityRecordPo, error) {
	db := r.GetDBWithContext(ctx).Model(&EntityRecordPo{})
	db, err := buildQueryEntityParams(db, false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryEntityParams failed")
	}
	pos := make([]*EntityRecordPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryEntities failed")
	}
	return pos, nil
}

func (r *entityRepo) CountEntities(ctx context.Context, param *QueryEntityParams) (int64, error) {
	db := r.GetDBWithContext(ctx).Model(&EntityRecordPo{})
	db, err := buildQueryEntityParams(db, true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryEntityParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountEntities failed")
	}
	return count, nil
}

func buildUpdateEntityStateFields(fields *UpdateEntityStateField) map[string]any {
	updateFields := map[string]any{
		"state":      fields.State,
		"updated_at": time.Now().Unix(),
	}
	if fields.LastError != nil {
		updateFields["last_error"] = *fields.LastError
	}
	return updateFields
}

func (r *entityRepo) UpdateEntityState(ctx context.Context, param *UpdateEntityStateParams) error {
	if err := validatorUtil.Struct(param); err != nil {
		return errors.Wrapf(ErrProcessParamInvalid, "UpdateEntityState failed, err: %v", err)
	}
	result := r.GetDBWithContext(ctx).Model(&EntityRecordPo{}).
		Where("uuid = ?", param.Where.UUID).
		Where("state IN ?", param.Where.StateIn).
		Updates(buildUpdateEntityStateFields(param.Fields))
	if result.Error != nil {
		return errors.WithMessagef(result.Error, "UpdateEntityState failed, uuid: %s", param.Where.UUID)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	// 没有更新到, 区分记录不存在和状态已经被修改
	if _, err := r.GetEntity(ctx, param.Where.UUID); err != nil {
		return err
	}
	return errors.WithMessagef(ErrStateConflict, "uuid: %s, expect state in %v", param.Where.UUID, param.Where.StateIn)
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *entityRepo) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		// 没有事务，直接返回db即可
		return r.db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

func (r *entityRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if ctx.Value(transactionContextKey) != nil {
		// 已经在事务里面了
		return fn(ctx)
	}
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return errors.WithMessage(tx.Error, "begin transaction failed")
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit().Error
	}()
	return fn(context.WithValue(ctx, transactionContextKey, tx))
}
