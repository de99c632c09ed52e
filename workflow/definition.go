package workflow

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// Definition 进程定义, 提供有序的任务声明和执行器.
// 核心只依赖这三个能力, DSL/配置如何声明由实现决定
type Definition interface {
	DefinitionName() string
	// Config 构建任务链表用的有序任务声明
	Config() *ProcessConfig
	NewExecutor(ctx context.Context, task *Task) (Executor, error)
}

func isNilDefinition(definition Definition) bool {
	if definition == nil {
		return true
	}
	v := reflect.ValueOf(definition)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// TaskConfigType 任务声明的类型
type TaskConfigType = string

const (
	TaskConfigTypeTask       TaskConfigType = "task"
	TaskConfigTypeSequential TaskConfigType = "sequential"
	TaskConfigTypeConcurrent TaskConfigType = "concurrent"
	TaskConfigTypeForEach    TaskConfigType = "for_each"
	TaskConfigTypeSubProcess TaskConfigType = "sub_process"
)

// ProcessConfig 进程定义配置, 声明进程的形状
type ProcessConfig struct {
	ID         string        `json:"id" validate:"required"`                                // 定义ID, 唯一标识
	Name       string        `json:"name"`                                                  // 定义名称
	Kind       ProcessKind   `json:"kind" validate:"omitempty,oneof=sequential concurrent"` // 默认 sequential
	CompleteOn CompleteOn    `json:"complete_on" validate:"omitempty,oneof=first last"`     // 只对 concurrent 有效
	Tasks      []*TaskConfig `json:"tasks" validate:"dive,required"`                        // 有序任务声明
}

// TaskConfig 任务声明
type TaskConfig struct {
	Type       TaskConfigType `json:"type" validate:"required,oneof=task sequential concurrent for_each sub_process"`
	Name       string         `json:"name"`
	Method     string         `json:"method" validate:"required_if=Type task"`           // task: 执行器上的方法名
	Args       []any          `json:"args"`                                              // task: 为空时使用进程参数
	Options    map[string]any `json:"options"`                                           // 任务选项
	CompleteOn CompleteOn     `json:"complete_on" validate:"omitempty,oneof=first last"` // concurrent 块的完成策略
	Iterator   string         `json:"iterator" validate:"required_if=Type for_each"`     // for_each: 注册的迭代器名字
	SubProcess string         `json:"sub_process" validate:"required_if=Type sub_process"`
	Tasks      []*TaskConfig  `json:"tasks" validate:"dive,required"` // sequential/concurrent/for_each 块里面的任务
}

// MethodFunc step 任务方法的实现
type MethodFunc func(ctx context.Context, task *Task, args []any) error

// IteratorFunc for_each 使用的迭代器, 每 yield 一次生成一组任务
type IteratorFunc func(ctx context.Context, args []any, yield func(args ...any)) error

// DefinitionRegistry 定义注册表, 注入给引擎使用
type DefinitionRegistry struct {
	configs     sync.Map // id -> *ProcessConfig
	methods     sync.Map // id_method -> MethodFunc
	iterators   sync.Map // id_iterator -> IteratorFunc
	definitions sync.Map // id -> Definition
	loadLock    sync.Mutex
}

func NewDefinitionRegistry() *DefinitionRegistry {
	return &DefinitionRegistry{}
}

func registryKey(definitionID string, name string) string {
	return definitionID + "_" + name
}

// LoadProcessConfig 只做存储, 转换成 Definition 延迟到 GetAndLoadDefinition,
// 这样 RegisterTaskMethod 可以在 LoadProcessConfig 之后调用
func (r *DefinitionRegistry) LoadProcessConfig(config *ProcessConfig) error {
	if config == nil {
		return errors.New("config is nil")
	}
	if err := validatorUtil.Struct(config); err != nil {
		return errors.Wrapf(ErrProcessParamInvalid, "LoadProcessConfig failed, id: %s, err: %v", config.ID, err)
	}
	if _, ok := r.configs.Load(config.ID); ok {
		return errors.WithMessagef(ErrDefinitionAlreadyLoaded, "config id: %s", config.ID)
	}
	if _, ok := r.definitions.Load(config.ID); ok {
		return errors.WithMessagef(ErrDefinitionAlreadyLoaded, "definition id: %s", config.ID)
	}
	r.configs.Store(config.ID, config)
	return nil
}

// RegisterTaskMethod 注册 step 任务的方法实现
func (r *DefinitionRegistry) RegisterTaskMethod(definitionID string, method string, fn MethodFunc) error {
	if fn == nil {
		return errors.New("method func is nil")
	}
	if _, loaded := r.methods.LoadOrStore(registryKey(definitionID, method), fn); loaded {
		return errors.WithMessagef(ErrTaskMethodAlreadyRegistered, "definition: %s, method: %s", definitionID, method)
	}
	return nil
}

func (r *DefinitionRegistry) RegisterIterator(definitionID string, name string, fn IteratorFunc) error {
	if fn == nil {
		return errors.New("iterator func is nil")
	}
	if _, loaded := r.iterators.LoadOrStore(registryKey(definitionID, name), fn); loaded {
		return errors.WithMessagef(ErrTaskMethodAlreadyRegistered, "definition: %s, iterator: %s", definitionID, name)
	}
	return nil
}

// RegisterDefinition 注册自己实现的 Definition
func (r *DefinitionRegistry) RegisterDefinition(definition Definition) error {
	if isNilDefinition(definition) || definition.DefinitionName() == "" {
		return errors.WithMessage(ErrInvalidDefinition, "RegisterDefinition failed")
	}
	if _, loaded := r.definitions.LoadOrStore(definition.DefinitionName(), definition); loaded {
		return errors.WithMessagef(ErrDefinitionAlreadyLoaded, "definition id: %s", definition.DefinitionName())
	}
	return nil
}

func (r *DefinitionRegistry) getMethod(definitionID string, method string) (MethodFunc, bool) {
	fn, ok := r.methods.Load(registryKey(definitionID, method))
	if !ok {
		return nil, false
	}
	ret, ok := fn.(MethodFunc)
	return ret, ok
}

func (r *DefinitionRegistry) getIterator(definitionID string, name string) (IteratorFunc, bool) {
	fn, ok := r.iterators.Load(registryKey(definitionID, name))
	if !ok {
		return nil, false
	}
	ret, ok := fn.(IteratorFunc)
	return ret, ok
}

// GetAndLoadDefinition 获取定义, 配置定义第一次获取时检查所有方法都已经注册
func (r *DefinitionRegistry) GetAndLoadDefinition(id string) (Definition, error) {
	if i, ok := r.definitions.Load(id); ok {
		return i.(Definition), nil
	}
	r.loadLock.Lock()
	defer r.loadLock.Unlock()
	if i, ok := r.definitions.Load(id); ok {
		return i.(Definition), nil
	}
	configInterface, ok := r.configs.Load(id)
	if !ok {
		return nil, errors.WithMessagef(ErrDefinitionNotFound, "definition %s not found", id)
	}
	config, ok := configInterface.(*ProcessConfig)
	if !ok {
		return nil, errors.WithMessagef(ErrDefinitionNotFound, "definition %s not found, type error,please check code", id)
	}
	if err := r.checkTaskConfigs(id, config.Tasks); err != nil {
		return nil, errors.WithMessagef(err, "checkTaskConfigs failed, definition: %s", id)
	}
	definition := &configDefinition{config: config, registry: r}
	r.definitions.Store(id, definition)
	return definition, nil
}

func (r *DefinitionRegistry) checkTaskConfigs(id string, tasks []*TaskConfig) error {
	for _, tc := range tasks {
		switch tc.Type {
		case TaskConfigTypeTask:
			if _, ok := r.getMethod(id, tc.Method); !ok {
				return errors.WithMessagef(ErrTaskMethodNotFound, "definition: %s, method: %s", id, tc.Method)
			}
		case TaskConfigTypeForEach:
			if _, ok := r.getIterator(id, tc.Iterator); !ok {
				return errors.WithMessagef(ErrIteratorNotFound, "definition: %s, iterator: %s", id, tc.Iterator)
			}
		}
		// sub_process 引用的其他定义在构建的时候再加载
		if err := r.checkTaskConfigs(id, tc.Tasks); err != nil {
			return err
		}
	}
	return nil
}

// PreloadingDefinitions 启动时加载所有配置, 尽早发现没有注册的方法
func (r *DefinitionRegistry) PreloadingDefinitions() error {
	ids := make([]string, 0)
	r.configs.Range(func(key, value any) bool {
		ids = append(ids, key.(string))
		return true
	})
	var errs error
	for _, id := range ids {
		if _, err := r.GetAndLoadDefinition(id); err != nil {
			if errs == nil {
				errs = err
			} else {
				errs = errors.WithMessage(errs, err.Error())
			}
		}
	}
	return errs
}

// configDefinition 由 ProcessConfig 和注册的方法组成的定义
type configDefinition struct {
	config   *ProcessConfig
	registry *DefinitionRegistry
}

func (d *configDefinition) DefinitionName() string {
	return d.config.ID
}

func (d *configDefinition) Config() *ProcessConfig {
	return d.config
}

func (d *configDefinition) NewExecutor(_ context.Context, task *Task) (Executor, error) {
	return &methodExecutor{
		task: task,
		lookup: func(method string) (MethodFunc, bool) {
			return d.registry.getMethod(d.config.ID, method)
		},
	}, nil
}

func (d *configDefinition) iterator(name string) (IteratorFunc, error) {
	fn, ok := d.registry.getIterator(d.config.ID, name)
	if !ok {
		return nil, errors.WithMessagef(ErrIteratorNotFound, "definition: %s, iterator: %s", d.config.ID, name)
	}
	return fn, nil
}

// iteratorSource 自定义的 Definition 可以实现这个接口来支持 for_each
type iteratorSource interface {
	iterator(name string) (IteratorFunc, error)
}

// String 调试使用
func (d *configDefinition) String() string {
	return fmt.Sprintf("Definition(%s)", d.config.ID)
}
