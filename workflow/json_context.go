package workflow

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// JSONContext 进程和任务的 options, 和 args 一起存在 attributes 里.
// 存储之后读出来的数字都是 float64, 读取的时候按需转换
type JSONContext struct {
	values map[string]any
}

// NewJSONContext values 为空时创建一个空的 options
func NewJSONContext(values map[string]any) *JSONContext {
	c := &JSONContext{values: make(map[string]any, len(values))}
	for k, v := range values {
		c.values[k] = v
	}
	return c
}

func (c *JSONContext) Len() int {
	if c == nil {
		return 0
	}
	return len(c.values)
}

func (c *JSONContext) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.values[key]
	return v, ok
}

func (c *JSONContext) GetString(key string) (string, bool) {
	v, _ := c.Get(key)
	s, ok := v.(string)
	return s, ok
}

// GetInt64 json 读出来是 float64, 带小数的不算
func (c *JSONContext) GetInt64(key string) (int64, bool) {
	v, _ := c.Get(key)
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

func (c *JSONContext) GetBool(key string) (bool, bool) {
	v, _ := c.Get(key)
	b, ok := v.(bool)
	return b, ok
}

// Set 只接受可以 json 序列化的值, 否则保存的时候才会报错
func (c *JSONContext) Set(key string, value any) error {
	if key == "" {
		return errors.WithMessage(ErrProcessParamInvalid, "[JSONContext.Set] empty key")
	}
	if _, err := json.Marshal(value); err != nil {
		return errors.Wrapf(ErrProcessParamInvalid, "[JSONContext.Set] key: %s, err: %v", key, err)
	}
	c.values[key] = value
	return nil
}

// Merge 已经存在的 key 会被覆盖
func (c *JSONContext) Merge(values map[string]any) error {
	for k, v := range values {
		if err := c.Set(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (c *JSONContext) MarshalJSON() ([]byte, error) {
	if c == nil || c.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.values)
}

func (c *JSONContext) UnmarshalJSON(b []byte) error {
	values := make(map[string]any)
	if err := json.Unmarshal(b, &values); err != nil {
		return errors.Wrap(err, "[JSONContext.UnmarshalJSON]")
	}
	c.values = values
	return nil
}
