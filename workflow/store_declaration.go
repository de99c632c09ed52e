package workflow

import (
	"context"
)

// ProcessRepo 进程和任务的存储, 每个实体一条记录
type ProcessRepo interface {
	// SaveEntities 按 uuid upsert, 已经存在的记录保留 state 和 last_error(只能通过 UpdateEntityState 修改)
	SaveEntities(ctx context.Context, entities []*EntityRecordPo) error
	GetEntity(ctx context.Context, uuid string) (*EntityRecordPo, error)
	QueryEntities(ctx context.Context, param *QueryEntityParams) ([]*EntityRecordPo, error)
	CountEntities(ctx context.Context, param *QueryEntityParams) (int64, error)
	// UpdateEntityState 状态 CAS, 没有更新到记录时: 记录不存在返回 ErrEntityNotFound, 否则返回 ErrStateConflict
	UpdateEntityState(ctx context.Context, param *UpdateEntityStateParams) error
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// EntityRecordPo 进程/任务的持久化记录, 由 recordWriter 生成, recordReader 还原
type EntityRecordPo struct {
	UUID       string     `gorm:"column:uuid;primaryKey;size:64" json:"uuid"`
	RootUUID   string     `gorm:"column:root_uuid;size:64;index" json:"root_uuid"` // 最外层进程的 uuid, 整个图一起加载
	Kind       EntityKind `gorm:"column:kind;size:16" json:"kind"`                 // process / task
	Type       string     `gorm:"column:type;size:32" json:"type"`                 // sequential / concurrent / step / sub_process
	Definition string     `gorm:"column:definition;size:128" json:"definition"`
	Name       string     `gorm:"column:name;size:255" json:"name"`
	State      State      `gorm:"column:state;size:16;index" json:"state"`
	LastError  string     `gorm:"column:last_error" json:"last_error"`
	Attributes []byte     `gorm:"column:attributes" json:"attributes"` // map[string]string
	Args       []byte     `gorm:"column:args" json:"args"`             // map[string]json.RawMessage
	References []byte     `gorm:"column:refs" json:"refs"`             // map[string]uuid
	Tasks      []byte     `gorm:"column:tasks" json:"tasks"`           // 有序的任务 uuid
	CreatedAt  int64      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt  int64      `gorm:"column:updated_at" json:"updated_at"`
}

func (EntityRecordPo) TableName() string {
	return "taskflow_entity"
}

type QueryEntityParams struct {
	UUIDIn       []string `json:"uuid_in"`
	RootUUID     *string  `json:"root_uuid"`
	Kind         *string  `json:"kind"`
	TypeIn       []string `json:"type_in"`
	DefinitionIn []string `json:"definition_in"`
	StateIn      []string `json:"state_in"`
	// IsRoot 只查询最外层的进程
	IsRoot            *bool  `json:"is_root"`
	OrderbyCreatedAsc *bool  `json:"orderby_created_asc"`
	Page              *Pager `json:"page"`
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type UpdateEntityStateParams struct {
	Where  *UpdateEntityStateWhere `json:"where" validate:"required"`
	Fields *UpdateEntityStateField `json:"field" validate:"required"`
}

type UpdateEntityStateWhere struct {
	UUID    string   `json:"uuid" validate:"required"`
	StateIn []string `json:"state_in" validate:"required,min=1"`
}

type UpdateEntityStateField struct {
	State     State   `json:"state" validate:"required"`
	LastError *string `json:"last_error"`
}

func noLimitPager() *Pager {
	return &Pager{IsNoLimit: Bool(true)}
}

func String(s string) *string { return &s }
func Bool(b bool) *bool       { return &b }
