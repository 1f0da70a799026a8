package util

import "reflect"

// copyContext maps the address of each map or pointer on the current
// recursion path to its copy, so cyclic values terminate. Entries are removed
// when the copy of that node completes: a value reached twice through
// separate paths (the same submap under two keys) gets two independent
// copies, never two aliases of one.
type copyContext map[uintptr]interface{}

// DeepCopy returns a structurally independent copy of src. State trees are
// mostly map[string]interface{} and []interface{}, which take a fast path;
// anything else (typed structs, typed slices and maps) is copied by reflection.
func DeepCopy(src interface{}) interface{} {
	if src == nil {
		return nil
	}
	return deepCopy(src, make(copyContext))
}

// CopyTree deep-copies a mapping node. A nil tree yields an empty map.
func CopyTree(tree map[string]interface{}) map[string]interface{} {
	if tree == nil {
		return make(map[string]interface{})
	}
	return DeepCopy(tree).(map[string]interface{})
}

func deepCopy(src interface{}, ctx copyContext) interface{} {
	switch v := src.(type) {
	case nil:
		return nil
	case string, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return v
	case map[string]interface{}:
		if v == nil {
			return v
		}
		addr := reflect.ValueOf(v).Pointer()
		if cpy, ok := ctx[addr]; ok {
			return cpy
		}
		cpy := make(map[string]interface{}, len(v))
		ctx[addr] = cpy
		defer delete(ctx, addr)
		for key, value := range v {
			cpy[key] = deepCopy(value, ctx)
		}
		return cpy
	case []interface{}:
		if v == nil {
			return v
		}
		cpy := make([]interface{}, len(v))
		for i, value := range v {
			cpy[i] = deepCopy(value, ctx)
		}
		return cpy
	}
	return copyReflect(reflect.ValueOf(src), ctx).Interface()
}

// copyReflect copies an arbitrary value. Unexported struct fields are copied
// shallowly, since they cannot be set through reflection.
func copyReflect(original reflect.Value, ctx copyContext) reflect.Value {
	switch original.Kind() {
	case reflect.Ptr:
		if original.IsNil() {
			return original
		}
		if cpy, ok := ctx[original.Pointer()]; ok {
			return reflect.ValueOf(cpy)
		}
		newPtr := reflect.New(original.Type().Elem())
		ctx[original.Pointer()] = newPtr.Interface()
		defer delete(ctx, original.Pointer())
		newPtr.Elem().Set(copyReflect(original.Elem(), ctx))
		return newPtr

	case reflect.Interface:
		if original.IsNil() {
			return original
		}
		cpy := reflect.New(original.Type()).Elem()
		cpy.Set(copyReflect(original.Elem(), ctx))
		return cpy

	case reflect.Slice:
		if original.IsNil() {
			return original
		}
		cpy := reflect.MakeSlice(original.Type(), original.Len(), original.Len())
		for i := 0; i < original.Len(); i++ {
			cpy.Index(i).Set(copyReflect(original.Index(i), ctx))
		}
		return cpy

	case reflect.Map:
		if original.IsNil() {
			return original
		}
		if cpy, ok := ctx[original.Pointer()]; ok {
			return reflect.ValueOf(cpy)
		}
		cpy := reflect.MakeMapWithSize(original.Type(), original.Len())
		ctx[original.Pointer()] = cpy.Interface()
		defer delete(ctx, original.Pointer())
		iter := original.MapRange()
		for iter.Next() {
			cpy.SetMapIndex(iter.Key(), copyReflect(iter.Value(), ctx))
		}
		return cpy

	case reflect.Struct:
		cpy := reflect.New(original.Type()).Elem()
		cpy.Set(original)
		for i := 0; i < original.NumField(); i++ {
			if cpy.Field(i).CanSet() {
				cpy.Field(i).Set(copyReflect(original.Field(i), ctx))
			}
		}
		return cpy

	case reflect.Array:
		cpy := reflect.New(original.Type()).Elem()
		for i := 0; i < original.Len(); i++ {
			cpy.Index(i).Set(copyReflect(original.Index(i), ctx))
		}
		return cpy
	}
	return original
}
