package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
)

// recordWriter 把一个实体展开成一条记录, 引用只保存 uuid,
// 拥有的任务和嵌套进程递归写出, 追加到 out
type recordWriter struct {
	rootUUID   string
	record     *EntityRecordPo
	attributes map[string]string
	args       map[string]json.RawMessage
	references map[string]string
	tasks      []string
	out        *[]*EntityRecordPo
	err        error
}

func newRecordWriter(rootUUID string, record *EntityRecordPo, out *[]*EntityRecordPo) *recordWriter {
	return &recordWriter{
		rootUUID:   rootUUID,
		record:     record,
		attributes: make(map[string]string),
		args:       make(map[string]json.RawMessage),
		references: make(map[string]string),
		out:        out,
	}
}

func (w *recordWriter) setErr(err error) {
	if w.err == nil && err != nil {
		w.err = err
	}
}

func (w *recordWriter) VisitType(_ string, value *string) {
	w.record.Definition = *value
}

func (w *recordWriter) VisitAttribute(name string, value *string) {
	w.attributes[name] = *value
	if name == "name" {
		w.record.Name = *value
	}
}

func (w *recordWriter) VisitArgs(name string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		w.setErr(errors.WithMessagef(err, "marshal %s failed, uuid: %s", name, w.record.UUID))
		return
	}
	w.args[name] = data
}

func (w *recordWriter) VisitTaskReference(name string, ref **Task) {
	if *ref != nil {
		w.references[name] = (*ref).UUID
	}
}

func (w *recordWriter) VisitProcessReference(name string, ref **Process) {
	if *ref != nil {
		w.references[name] = (*ref).UUID
	}
}

func (w *recordWriter) VisitTasks(tasks *TaskList) {
	tasks.Each(func(t *Task) bool {
		w.tasks = append(w.tasks, t.UUID)
		w.setErr(writeTaskRecords(t, w.rootUUID, w.out))
		return w.err == nil
	})
}

func (w *recordWriter) VisitProcess(name string, ref **Process) {
	if *ref == nil {
		return
	}
	w.references[name] = (*ref).UUID
	w.setErr(writeProcessRecords(*ref, w.rootUUID, w.out))
}

func (w *recordWriter) finish() error {
	if w.err != nil {
		return w.err
	}
	var err error
	if w.record.Attributes, err = json.Marshal(w.attributes); err != nil {
		return err
	}
	if w.record.Args, err = json.Marshal(w.args); err != nil {
		return err
	}
	if w.record.References, err = json.Marshal(w.references); err != nil {
		return err
	}
	if w.tasks == nil {
		w.tasks = make([]string, 0)
	}
	if w.record.Tasks, err = json.Marshal(w.tasks); err != nil {
		return err
	}
	return nil
}

func writeProcessRecords(p *Process, rootUUID string, out *[]*EntityRecordPo) error {
	record := &EntityRecordPo{
		UUID:      p.UUID,
		RootUUID:  rootUUID,
		Kind:      EntityKindProcess,
		Type:      p.Kind(),
		State:     p.CurrentState(),
		LastError: p.lastError,
	}
	// 先占位, 保证父实体在子实体前面
	*out = append(*out, record)
	writer := newRecordWriter(rootUUID, record, out)
	p.Accept(writer)
	return writer.finish()
}

func writeTaskRecords(t *Task, rootUUID string, out *[]*EntityRecordPo) error {
	record := &EntityRecordPo{
		UUID:      t.UUID,
		RootUUID:  rootUUID,
		Kind:      EntityKindTask,
		Type:      t.Kind(),
		State:     t.CurrentState(),
		LastError: t.lastError,
	}
	*out = append(*out, record)
	writer := newRecordWriter(rootUUID, record, out)
	t.Accept(writer)
	return writer.finish()
}

// rootProcess 沿着 parent 找到最外层的进程
func rootProcess(p *Process) *Process {
	for p.parent != nil && p.parent.process != nil {
		p = p.parent.process
	}
	return p
}

// graphLoader 从同一个 root 下的所有记录还原整个图,
// 实体先注册空壳再 Accept, 进程和任务之间的循环引用由身份表解决
type graphLoader struct {
	ctx       context.Context
	engine    *Engine
	records   map[string]*EntityRecordPo
	processes map[string]*Process
	tasks     map[string]*Task
	// 链表要等所有 next 引用都还原之后才能重新计算
	pendingLists []pendingTaskList
}

type pendingTaskList struct {
	owner string
	list  *TaskList
	uuids []string
}

func newGraphLoader(ctx context.Context, engine *Engine, records []*EntityRecordPo) *graphLoader {
	l := &graphLoader{
		ctx:       ctx,
		engine:    engine,
		records:   make(map[string]*EntityRecordPo, len(records)),
		processes: make(map[string]*Process),
		tasks:     make(map[string]*Task),
	}
	for _, record := range records {
		l.records[record.UUID] = record
	}
	return l
}

// loadAll 加载 root 下的所有实体, 然后还原所有链表
func (l *graphLoader) loadAll() error {
	for uuid, record := range l.records {
		var err error
		switch record.Kind {
		case EntityKindProcess:
			_, err = l.process(uuid)
		case EntityKindTask:
			_, err = l.task(uuid)
		default:
			err = errors.WithMessagef(ErrEntityNotFound, "unknown entity kind: %s, uuid: %s", record.Kind, uuid)
		}
		if err != nil {
			return err
		}
	}
	for _, pending := range l.pendingLists {
		pending.list.relink(l.tasks[pending.uuids[0]])
		if pending.list.Len() != len(pending.uuids) {
			return errors.Errorf("task list broken, expect %d tasks, got %d, process: %s", len(pending.uuids), pending.list.Len(), pending.owner)
		}
	}
	l.pendingLists = nil
	return nil
}

func (l *graphLoader) record(uuid string, kind EntityKind) (*EntityRecordPo, error) {
	record, ok := l.records[uuid]
	if !ok {
		return nil, errors.WithMessagef(ErrEntityNotFound, "%s: %s", kind, uuid)
	}
	if record.Kind != kind {
		return nil, errors.WithMessagef(ErrEntityNotFound, "uuid %s is %s, not %s", uuid, record.Kind, kind)
	}
	return record, nil
}

func (l *graphLoader) process(uuid string) (*Process, error) {
	if p, ok := l.processes[uuid]; ok {
		return p, nil
	}
	record, err := l.record(uuid, EntityKindProcess)
	if err != nil {
		return nil, err
	}
	p := &Process{
		UUID:      record.UUID,
		Name:      record.Name,
		Options:   NewJSONContext(nil),
		tasks:     NewTaskList(),
		lifecycle: stateMachine{current: record.State, edges: processEdges},
		engine:    l.engine,
		lastError: record.LastError,
	}
	switch record.Type {
	case ProcessKindSequential:
		p.variant = &sequentialProcess{}
	case ProcessKindConcurrent:
		p.variant = &concurrentProcess{completeOn: CompleteOnLast}
	default:
		slog.ErrorContext(l.ctx, fmt.Sprintf("unknown process type: %s, process: %s", record.Type, uuid))
	}
	l.processes[uuid] = p
	reader, err := newRecordReader(l, record)
	if err != nil {
		return nil, err
	}
	p.Accept(reader)
	if reader.err != nil {
		return nil, errors.WithMessagef(reader.err, "read process failed, process: %s", uuid)
	}
	if p.definitionName != "" {
		definition, err := l.engine.registry.GetAndLoadDefinition(p.definitionName)
		if err != nil {
			// 只做状态管理的节点可能没有注册定义, 执行 step 的时候再报错
			slog.WarnContext(l.ctx, fmt.Sprintf("GetAndLoadDefinition failed, definition: %s, process: %s, err: %v", p.definitionName, uuid, err))
		} else {
			p.definition = definition
		}
	}
	return p, nil
}

func (l *graphLoader) task(uuid string) (*Task, error) {
	if t, ok := l.tasks[uuid]; ok {
		return t, nil
	}
	record, err := l.record(uuid, EntityKindTask)
	if err != nil {
		return nil, err
	}
	t := &Task{
		UUID:      record.UUID,
		Name:      record.Name,
		Options:   NewJSONContext(nil),
		lifecycle: stateMachine{current: record.State, edges: taskEdges},
		lastError: record.LastError,
	}
	switch record.Type {
	case TaskKindStep:
		t.variant = &stepTask{args: make([]any, 0)}
	case TaskKindSubProcess:
		t.variant = &subProcessTask{}
	default:
		slog.ErrorContext(l.ctx, fmt.Sprintf("unknown task type: %s, task: %s", record.Type, uuid))
	}
	l.tasks[uuid] = t
	reader, err := newRecordReader(l, record)
	if err != nil {
		return nil, err
	}
	t.Accept(reader)
	if reader.err != nil {
		return nil, errors.WithMessagef(reader.err, "read task failed, task: %s", uuid)
	}
	if t.process == nil {
		return nil, errors.WithMessagef(ErrEntityNotFound, "task %s has no process", uuid)
	}
	return t, nil
}

// recordReader 和 recordWriter 是同一套回调, 方向相反
type recordReader struct {
	loader     *graphLoader
	record     *EntityRecordPo
	attributes map[string]string
	args       map[string]json.RawMessage
	references map[string]string
	tasks      []string
	err        error
}

func newRecordReader(loader *graphLoader, record *EntityRecordPo) (*recordReader, error) {
	r := &recordReader{
		loader:     loader,
		record:     record,
		attributes: make(map[string]string),
		args:       make(map[string]json.RawMessage),
		references: make(map[string]string),
	}
	decode := func(data []byte, v any, field string) error {
		if len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, v); err != nil {
			return errors.WithMessagef(err, "unmarshal %s failed, uuid: %s", field, record.UUID)
		}
		return nil
	}
	if err := decode(record.Attributes, &r.attributes, "attributes"); err != nil {
		return nil, err
	}
	if err := decode(record.Args, &r.args, "args"); err != nil {
		return nil, err
	}
	if err := decode(record.References, &r.references, "references"); err != nil {
		return nil, err
	}
	if err := decode(record.Tasks, &r.tasks, "tasks"); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *recordReader) setErr(err error) {
	if r.err == nil && err != nil {
		r.err = err
	}
}

func (r *recordReader) VisitType(_ string, value *string) {
	*value = r.record.Definition
}

func (r *recordReader) VisitAttribute(name string, value *string) {
	if v, ok := r.attributes[name]; ok {
		*value = v
	}
}

func (r *recordReader) VisitArgs(name string, value any) {
	data, ok := r.args[name]
	if !ok {
		return
	}
	if err := json.Unmarshal(data, value); err != nil {
		r.setErr(errors.WithMessagef(err, "unmarshal %s failed", name))
	}
}

func (r *recordReader) VisitTaskReference(name string, ref **Task) {
	uuid := r.references[name]
	if uuid == "" {
		return
	}
	t, err := r.loader.task(uuid)
	if err != nil {
		r.setErr(err)
		return
	}
	*ref = t
}

func (r *recordReader) VisitProcessReference(name string, ref **Process) {
	uuid := r.references[name]
	if uuid == "" {
		return
	}
	p, err := r.loader.process(uuid)
	if err != nil {
		r.setErr(err)
		return
	}
	*ref = p
}

func (r *recordReader) VisitTasks(tasks *TaskList) {
	if len(r.tasks) == 0 {
		return
	}
	for _, uuid := range r.tasks {
		if _, err := r.loader.task(uuid); err != nil {
			r.setErr(err)
			return
		}
	}
	r.loader.pendingLists = append(r.loader.pendingLists, pendingTaskList{
		owner: r.record.UUID,
		list:  tasks,
		uuids: r.tasks,
	})
}

func (r *recordReader) VisitProcess(name string, ref **Process) {
	r.VisitProcessReference(name, ref)
}

var (
	_ Visitor = (*recordWriter)(nil)
	_ Visitor = (*recordReader)(nil)
)
