package ref

import (
	"reflect"
	"sync"

	"github.com/hatlonely/modeldb/cfg"
	"github.com/pkg/errors"
)

// TypeOptions 通过命名空间和类型名描述一个可构造的对象
type TypeOptions struct {
	Namespace string `cfg:"namespace"`
	Type      string `cfg:"type"`
	Options   any    `cfg:"options"`
}

// Convertable 可以自行转换为构造函数参数类型的配置
type Convertable interface {
	ConvertTo(object any) error
}

type constructor struct {
	fn           reflect.Value
	optionsType  reflect.Type
	returnsError bool
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func newConstructor(fn any) (*constructor, error) {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		return nil, errors.New("constructor must be a function")
	}
	ft := fv.Type()
	if ft.NumIn() > 1 {
		return nil, errors.Errorf("constructor must have 0 or 1 parameters, got %d", ft.NumIn())
	}
	if ft.NumOut() != 1 && ft.NumOut() != 2 {
		return nil, errors.Errorf("constructor must have 1 or 2 return values, got %d", ft.NumOut())
	}
	if ft.NumOut() == 2 && !ft.Out(1).Implements(errorType) {
		return nil, errors.New("second return value must be error")
	}

	c := &constructor{fn: fv, returnsError: ft.NumOut() == 2}
	if ft.NumIn() == 1 {
		c.optionsType = ft.In(0)
	}
	return c, nil
}

func (c *constructor) new(options any) (any, error) {
	var args []reflect.Value
	if c.optionsType != nil {
		arg, err := c.convertOptions(options)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}

	results := c.fn.Call(args)
	if c.returnsError && !results[1].IsNil() {
		return nil, results[1].Interface().(error)
	}
	return results[0].Interface(), nil
}

// convertOptions 将 options 转换为构造函数的参数类型
// 类型匹配时直接使用，否则把 options 视为配置数据转换后填充默认值并校验
func (c *constructor) convertOptions(options any) (reflect.Value, error) {
	if options != nil {
		ov := reflect.ValueOf(options)
		if ov.Type().AssignableTo(c.optionsType) {
			return ov, nil
		}
	}

	isPtr := c.optionsType.Kind() == reflect.Ptr
	elemType := c.optionsType
	if isPtr {
		elemType = elemType.Elem()
	}
	target := reflect.New(elemType)

	var err error
	switch v := options.(type) {
	case nil:
		err = cfg.Convert(map[string]any{}, target.Interface())
	case Convertable:
		if err = v.ConvertTo(target.Interface()); err == nil {
			err = cfg.SetDefaults(target.Interface())
		}
	default:
		err = cfg.Convert(v, target.Interface())
	}
	if err != nil {
		return reflect.Value{}, errors.WithMessagef(err, "convert options to %v failed", c.optionsType)
	}

	if isPtr {
		return target, nil
	}
	return target.Elem(), nil
}

var constructors sync.Map

func key(namespace, typ string) string {
	return namespace + ":" + typ
}

// Register 注册构造函数，同名重复注册相同函数视为成功
func Register(namespace string, typ string, fn any) error {
	c, err := newConstructor(fn)
	if err != nil {
		return errors.WithMessagef(err, "register %s:%s failed", namespace, typ)
	}
	if existing, loaded := constructors.LoadOrStore(key(namespace, typ), c); loaded {
		if existing.(*constructor).fn.Pointer() != c.fn.Pointer() {
			return errors.Errorf("constructor for %s:%s already registered with different function", namespace, typ)
		}
	}
	return nil
}

// RegisterT 以类型 T 的包路径和类型名作为命名空间和类型名注册
func RegisterT[T any](fn any) error {
	namespace, typ, err := nameOf[T]()
	if err != nil {
		return err
	}
	return Register(namespace, typ, fn)
}

func MustRegister(namespace string, typ string, fn any) {
	if err := Register(namespace, typ, fn); err != nil {
		panic(err)
	}
}

func MustRegisterT[T any](fn any) {
	if err := RegisterT[T](fn); err != nil {
		panic(err)
	}
}

// New 根据命名空间和类型名构造对象
func New(namespace string, typ string, options any) (any, error) {
	value, ok := constructors.Load(key(namespace, typ))
	if !ok {
		return nil, errors.Errorf("constructor not found for %s:%s", namespace, typ)
	}
	obj, err := value.(*constructor).new(options)
	if err != nil {
		return nil, errors.WithMessagef(err, "new %s:%s failed", namespace, typ)
	}
	return obj, nil
}

// NewWithOptions 根据 TypeOptions 构造对象
func NewWithOptions(options *TypeOptions) (any, error) {
	if options == nil {
		return nil, errors.New("type options is nil")
	}
	return New(options.Namespace, options.Type, options.Options)
}

// NewT 以类型 T 推导命名空间和类型名构造对象
func NewT[T any](options any) (T, error) {
	var zero T
	namespace, typ, err := nameOf[T]()
	if err != nil {
		return zero, err
	}
	obj, err := New(namespace, typ, options)
	if err != nil {
		return zero, err
	}
	t, ok := obj.(T)
	if !ok {
		return zero, errors.Errorf("object %T is not %T", obj, zero)
	}
	return t, nil
}

// NewAs 根据 TypeOptions 构造对象并断言为接口 I
func NewAs[I any](options *TypeOptions) (I, error) {
	var zero I
	obj, err := NewWithOptions(options)
	if err != nil {
		return zero, err
	}
	i, ok := obj.(I)
	if !ok {
		return zero, errors.Errorf("object %T does not implement %v", obj, reflect.TypeOf((*I)(nil)).Elem())
	}
	return i, nil
}

func nameOf[T any]() (string, string, error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.PkgPath() == "" || t.Name() == "" {
		return "", "", errors.Errorf("cannot determine package path or type name for %v", t)
	}
	return t.PkgPath(), t.Name(), nil
}
