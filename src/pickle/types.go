package pickle

import (
	"fmt"
	"strings"
)

// Callable is a Python callable resolved by GLOBAL/STACK_GLOBAL and invoked by REDUCE.
type Callable interface {
	Call(args ...interface{}) (interface{}, error)
}

type CallableFn func(args ...interface{}) (interface{}, error)

func (fn CallableFn) Call(args ...interface{}) (interface{}, error) {
	return fn(args...)
}

// Buildable objects accept the state argument of the BUILD opcode.
type Buildable interface {
	SetState(state interface{}) error
}

var BASE_CLASSES = map[string]interface{}{
	"collections.OrderedDict": CallableFn(func(args ...interface{}) (interface{}, error) {
		return NewPickleDict[interface{}](), nil
	}),
	"builtins.set": CallableFn(func(args ...interface{}) (interface{}, error) {
		return &PickleList{}, nil
	}),
}

// PickleDict is a dictionary which keeps insertion order of its keys, like Python dicts.
type PickleDict[T any] struct {
	keys  []string
	items map[string]T
}

func NewPickleDict[T any]() *PickleDict[T] {
	return &PickleDict[T]{
		items: make(map[string]T),
	}
}

func (pd *PickleDict[T]) Get(key string) (T, bool) {
	val, ok := pd.items[key]
	return val, ok
}

// Set appends a new key to the end, an existing key keeps its position.
func (pd *PickleDict[T]) Set(key string, val T) {
	if _, ok := pd.items[key]; !ok {
		pd.keys = append(pd.keys, key)
	}
	pd.items[key] = val
}

func (pd *PickleDict[T]) GetKeys() []string {
	return pd.keys
}

func (pd *PickleDict[T]) Len() int {
	return len(pd.keys)
}

// SetState ignores object attributes (e.g. the _metadata of a torch state dict).
func (pd *PickleDict[T]) SetState(state interface{}) error {
	return nil
}

func (pd *PickleDict[T]) String() string {
	return fmt.Sprintf("PickleDict{%s}", strings.Join(pd.keys, ", "))
}

type PickleTuple = []interface{}

// PickleList is kept behind a pointer, APPEND must be visible through memo references.
type PickleList struct {
	Items []interface{}
}

type stopSignal struct {
	value interface{}
}

func (s *stopSignal) Error() string {
	return fmt.Sprintf("stop signal: %v", s.value)
}
