package frame

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry maps message type codes to Go types and back.
//
// Prototypes must be pointers, decoding allocates a fresh value of
// the pointed type for every frame.
type Registry struct {
	lk     sync.RWMutex
	byCode map[int32]reflect.Type
	byType map[reflect.Type]int32
}

func NewRegistry() *Registry {
	return &Registry{
		byCode: make(map[int32]reflect.Type),
		byType: make(map[reflect.Type]int32),
	}
}

// Register binds code to the type of prototype.
func (reg *Registry) Register(code int32, prototype any) error {
	typ := reflect.TypeOf(prototype)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return fmt.Errorf("%w: prototype of type %d must be a non-nil pointer", ErrInvalidCfg, code)
	}

	reg.lk.Lock()
	defer reg.lk.Unlock()
	if existing, ok := reg.byCode[code]; ok {
		return fmt.Errorf("%w: %d is bound to %s", ErrDuplicateType, code, existing)
	}
	if existing, ok := reg.byType[typ]; ok {
		return fmt.Errorf("%w: %s is bound to %d", ErrDuplicateType, typ, existing)
	}
	reg.byCode[code] = typ
	reg.byType[typ] = code
	return nil
}

// MustRegister is like `Register` but panics on error. It is meant
// for package level initialisation.
func (reg *Registry) MustRegister(code int32, prototype any) *Registry {
	if err := reg.Register(code, prototype); err != nil {
		panic(err)
	}
	return reg
}

// TypeOf returns the code registered for the Go type of v.
func (reg *Registry) TypeOf(v any) (int32, bool) {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	code, ok := reg.byType[reflect.TypeOf(v)]
	return code, ok
}

// New allocates a value for the type registered under code.
func (reg *Registry) New(code int32) (any, error) {
	reg.lk.RLock()
	typ, ok := reg.byCode[code]
	reg.lk.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, code)
	}
	return reflect.New(typ.Elem()).Interface(), nil
}
