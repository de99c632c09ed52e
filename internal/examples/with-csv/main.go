package main

// csv作为进程存储的数据源

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/blingmoon/simple-taskflow/internal/commonregister"
	"github.com/blingmoon/simple-taskflow/workflow"
	"github.com/pkg/errors"
)

var _ workflow.ProcessRepo = (*CsvRepo)(nil)

var entityHeader = []string{
	"uuid", "root_uuid", "kind", "type", "definition", "name", "state", "last_error",
	"attributes", "args", "refs", "tasks", "created_at", "updated_at",
}

type CsvRepo struct {
	entityFile string
	mu         sync.RWMutex
}

// NewCsvRepo 创建 CSV 存储实现
// entityFile: EntityRecordPo 对应的 CSV 文件路径，如 "taskflow_entity.csv"
func NewCsvRepo(entityFile string) *CsvRepo {
	repo := &CsvRepo{entityFile: entityFile}
	// 初始化 CSV 文件，如果不存在则创建并写入表头
	repo.initCSVFile()
	return repo
}

func (c *CsvRepo) initCSVFile() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := os.Stat(c.entityFile); os.IsNotExist(err) {
		_ = c.writeEntities(nil)
	}
}

// readEntities 读取所有记录
func (c *CsvRepo) readEntities() ([]*workflow.EntityRecordPo, error) {
	file, err := os.Open(c.entityFile)
	if err != nil {
		return nil, errors.WithMessage(err, "open entity file failed")
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, errors.WithMessage(err, "read entity CSV failed")
	}
	if len(records) < 2 {
		return []*workflow.EntityRecordPo{}, nil
	}
	entities := make([]*workflow.EntityRecordPo, 0, len(records)-1)
	for _, record := range records[1:] {
		if len(record) < len(entityHeader) {
			continue
		}
		createdAt, _ := strconv.ParseInt(record[12], 10, 64)
		updatedAt, _ := strconv.ParseInt(record[13], 10, 64)
		entities = append(entities, &workflow.EntityRecordPo{
			UUID:       record[0],
			RootUUID:   record[1],
			Kind:       record[2],
			Type:       record[3],
			Definition: record[4],
			Name:       record[5],
			State:      record[6],
			LastError:  record[7],
			Attributes: []byte(record[8]),
			Args:       []byte(record[9]),
			References: []byte(record[10]),
			Tasks:      []byte(record[11]),
			CreatedAt:  createdAt,
			UpdatedAt:  updatedAt,
		})
	}
	return entities, nil
}

// writeEntities 整个文件重写
func (c *CsvRepo) writeEntities(entities []*workflow.EntityRecordPo) error {
	file, err := os.Create(c.entityFile)
	if err != nil {
		return errors.WithMessage(err, "create entity file failed")
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	rows := make([][]string, 0, len(entities)+1)
	rows = append(rows, entityHeader)
	for _, entity := range entities {
		rows = append(rows, []string{
			entity.UUID,
			entity.RootUUID,
			entity.Kind,
			entity.Type,
			entity.Definition,
			entity.Name,
			entity.State,
			entity.LastError,
			string(entity.Attributes),
			string(entity.Args),
			string(entity.References),
			string(entity.Tasks),
			strconv.FormatInt(entity.CreatedAt, 10),
			strconv.FormatInt(entity.UpdatedAt, 10),
		})
	}
	if err := writer.WriteAll(rows); err != nil {
		return errors.WithMessage(err, "write entity CSV failed")
	}
	return nil
}

func inStrings(s string, arr []string) bool {
	for _, item := range arr {
		if item == s {
			return true
		}
	}
	return false
}

// filterEntities 过滤记录
func filterEntities(entities []*workflow.EntityRecordPo, param *workflow.QueryEntityParams) []*workflow.EntityRecordPo {
	result := make([]*workflow.EntityRecordPo, 0)
	for _, entity := range entities {
		if len(param.UUIDIn) > 0 && !inStrings(entity.UUID, param.UUIDIn) {
			continue
		}
		if param.RootUUID != nil && entity.RootUUID != *param.RootUUID {
			continue
		}
		if param.Kind != nil && entity.Kind != *param.Kind {
			continue
		}
		if len(param.TypeIn) > 0 && !inStrings(entity.Type, param.TypeIn) {
			continue
		}
		if len(param.DefinitionIn) > 0 && !inStrings(entity.Definition, param.DefinitionIn) {
			continue
		}
		if len(param.StateIn) > 0 && !inStrings(entity.State, param.StateIn) {
			continue
		}
		if param.IsRoot != nil && (entity.UUID == entity.RootUUID) != *param.IsRoot {
			continue
		}
		result = append(result, entity)
	}
	return result
}

// SaveEntities implements workflow.ProcessRepo.
func (c *CsvRepo) SaveEntities(ctx context.Context, entities []*workflow.EntityRecordPo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, err := c.readEntities()
	if err != nil {
		return err
	}
	index := make(map[string]int, len(existing))
	for i, entity := range existing {
		index[entity.UUID] = i
	}
	now := time.Now().Unix()
	for _, entity := range entities {
		if entity == nil {
			return errors.New("nil EntityRecordPo")
		}
		cp := *entity
		cp.UpdatedAt = now
		if i, ok := index[cp.UUID]; ok {
			// 状态只能通过 UpdateEntityState 修改
			cp.CreatedAt = existing[i].CreatedAt
			cp.State, cp.LastError = existing[i].State, existing[i].LastError
			existing[i] = &cp
			continue
		}
		if cp.CreatedAt == 0 {
			cp.CreatedAt = now
		}
		index[cp.UUID] = len(existing)
		existing = append(existing, &cp)
	}
	return c.writeEntities(existing)
}

// GetEntity implements workflow.ProcessRepo.
func (c *CsvRepo) GetEntity(ctx context.Context, uuid string) (*workflow.EntityRecordPo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entities, err := c.readEntities()
	if err != nil {
		return nil, err
	}
	for _, entity := range entities {
		if entity.UUID == uuid {
			return entity, nil
		}
	}
	return nil, errors.WithMessagef(workflow.ErrEntityNotFound, "uuid: %s", uuid)
}

// QueryEntities implements workflow.ProcessRepo.
func (c *CsvRepo) QueryEntities(ctx context.Context, param *workflow.QueryEntityParams) ([]*workflow.EntityRecordPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryEntityParams")
	}
	if param.Page == nil {
		return nil, errors.New("page is nil")
	}
	c.mu.RLock()
	entities, err := c.readEntities()
	c.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	result := filterEntities(entities, param)
	desc := param.OrderbyCreatedAsc != nil && !*param.OrderbyCreatedAsc
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return (result[i].CreatedAt < result[j].CreatedAt) != desc
		}
		return (result[i].UUID < result[j].UUID) != desc
	})
	if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
		return result, nil
	}
	page, size := param.Page.Page, param.Page.Size
	if page == 0 {
		page = 1
	}
	if size == 0 {
		size = 10
	}
	start := (page - 1) * size
	if start >= int64(len(result)) {
		return []*workflow.EntityRecordPo{}, nil
	}
	end := start + size
	if end > int64(len(result)) {
		end = int64(len(result))
	}
	return result[start:end], nil
}

// CountEntities implements workflow.ProcessRepo.
func (c *CsvRepo) CountEntities(ctx context.Context, param *workflow.QueryEntityParams) (int64, error) {
	if param == nil {
		return 0, errors.New("nil QueryEntityParams")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entities, err := c.readEntities()
	if err != nil {
		return 0, err
	}
	return int64(len(filterEntities(entities, param))), nil
}

// UpdateEntityState implements workflow.ProcessRepo.
func (c *CsvRepo) UpdateEntityState(ctx context.Context, param *workflow.UpdateEntityStateParams) error {
	if param == nil || param.Where == nil || param.Fields == nil || len(param.Where.StateIn) == 0 {
		return errors.WithMessage(workflow.ErrProcessParamInvalid, "UpdateEntityState failed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entities, err := c.readEntities()
	if err != nil {
		return err
	}
	for _, entity := range entities {
		if entity.UUID != param.Where.UUID {
			continue
		}
		if !inStrings(entity.State, param.Where.StateIn) {
			return errors.WithMessagef(workflow.ErrStateConflict, "uuid: %s, state: %s", entity.UUID, entity.State)
		}
		entity.State = param.Fields.State
		if param.Fields.LastError != nil {
			entity.LastError = *param.Fields.LastError
		}
		entity.UpdatedAt = time.Now().Unix()
		return c.writeEntities(entities)
	}
	return errors.WithMessagef(workflow.ErrEntityNotFound, "uuid: %s", param.Where.UUID)
}

// Transaction implements workflow.ProcessRepo.
func (c *CsvRepo) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	// CSV 文件不支持事务，直接执行函数
	// 注意：这不是真正的事务，如果中间出错，已写入的数据不会回滚
	return fn(ctx)
}

func main() {
	registry := workflow.NewDefinitionRegistry()
	recorder := commonregister.NewSampleFlowRecorder()
	if err := commonregister.RegisterSampleFlow(registry, recorder); err != nil {
		panic(err)
	}

	engine, err := workflow.NewEngine(
		NewCsvRepo("taskflow_entity.csv"),
		workflow.NewLocalWorkflowLock(),
		workflow.NewMemoryQueue(0),
		registry,
		nil,
	)
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	p, err := engine.CreateProcess(ctx, &workflow.CreateProcessReq{
		DefinitionID: commonregister.SampleFlowID,
		Name:         "ORDER-2024-001",
		Args:         []any{"ORDER-2024-001"},
		Options:      map[string]any{"amount": 1000.00},
		IsEnqueue:    true,
	})
	if err != nil {
		panic(err)
	}
	if err := workflow.NewWorker(engine, nil).Drain(ctx); err != nil {
		panic(err)
	}
	detail, err := engine.QueryProcessDetail(ctx, p.UUID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("process: %s, state: %s, executed: %d\n", detail.UUID, detail.StateText, recorder.Count())
}
