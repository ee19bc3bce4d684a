package util

import "reflect"

// CycleDetectionContext maps the address of an original map, slice or
// pointer to its copy for the duration of one DeepCopy call.
type CycleDetectionContext map[uintptr]interface{}

// DeepCopy returns a deep copy of src. Maps, slices, pointers, arrays and
// exported struct fields are copied recursively; unexported struct fields
// (e.g. inside time.Time) are copied by value. Nil maps and slices stay nil.
// Cyclic structures are handled.
func DeepCopy(src interface{}) interface{} {
	if src == nil {
		return nil
	}
	return deepCopyRecursive(src, make(CycleDetectionContext))
}

func deepCopyRecursive(src interface{}, ctx CycleDetectionContext) interface{} {
	if src == nil {
		return nil
	}
	original := reflect.ValueOf(src)
	switch original.Kind() {
	case reflect.Map, reflect.Slice, reflect.Ptr:
		if original.IsNil() {
			return src
		}
		if cpy, exists := ctx[original.Pointer()]; exists {
			return cpy
		}
	}

	// Fast path for the dynamic JSON shapes found in node params and outputs.
	switch v := src.(type) {
	case map[string]interface{}:
		cpy := make(map[string]interface{}, len(v))
		ctx[original.Pointer()] = cpy
		for key, value := range v {
			cpy[key] = deepCopyRecursive(value, ctx)
		}
		return cpy
	case []interface{}:
		cpy := make([]interface{}, len(v), cap(v))
		ctx[original.Pointer()] = cpy
		for i, value := range v {
			cpy[i] = deepCopyRecursive(value, ctx)
		}
		return cpy
	case string, int, int64, int32, int16, int8, uint, uint64, uint32, uint16, uint8, float64, float32, bool:
		return v
	}
	return deepCopyReflection(original, ctx).Interface()
}

// deepCopyReflection copies any other kind via reflect.
func deepCopyReflection(original reflect.Value, ctx CycleDetectionContext) reflect.Value {
	cpy := reflect.New(original.Type()).Elem()

	switch original.Kind() {
	case reflect.Ptr:
		if original.IsNil() {
			return cpy
		}
		newPtr := reflect.New(original.Type().Elem())
		ctx[original.Pointer()] = newPtr.Interface()
		newPtr.Elem().Set(copyValue(original.Elem(), ctx))
		return newPtr

	case reflect.Interface:
		if original.IsNil() {
			return cpy
		}
		cpy.Set(copyValue(original.Elem(), ctx))

	case reflect.Slice:
		if original.IsNil() {
			return cpy
		}
		cpy.Set(reflect.MakeSlice(original.Type(), original.Len(), original.Cap()))
		ctx[original.Pointer()] = cpy.Interface()
		for i := 0; i < original.Len(); i++ {
			cpy.Index(i).Set(copyValue(original.Index(i), ctx))
		}

	case reflect.Map:
		if original.IsNil() {
			return cpy
		}
		cpy.Set(reflect.MakeMapWithSize(original.Type(), original.Len()))
		ctx[original.Pointer()] = cpy.Interface()
		iter := original.MapRange()
		for iter.Next() {
			cpy.SetMapIndex(copyValue(iter.Key(), ctx), copyValue(iter.Value(), ctx))
		}

	case reflect.Struct:
		cpy.Set(original)
		for i := 0; i < original.NumField(); i++ {
			if cpy.Field(i).CanSet() {
				cpy.Field(i).Set(copyValue(original.Field(i), ctx))
			}
		}

	case reflect.Array:
		for i := 0; i < original.Len(); i++ {
			cpy.Index(i).Set(copyValue(original.Index(i), ctx))
		}

	default:
		cpy.Set(original)
	}
	return cpy
}

// copyValue copies v and converts the result back to v's static type, so a
// nil interface element or a typed nil pointer survive assignment.
func copyValue(v reflect.Value, ctx CycleDetectionContext) reflect.Value {
	if !v.IsValid() {
		return v
	}
	if v.Kind() == reflect.Interface && v.IsNil() {
		return reflect.Zero(v.Type())
	}
	copied := deepCopyRecursive(v.Interface(), ctx)
	if copied == nil {
		return reflect.Zero(v.Type())
	}
	out := reflect.ValueOf(copied)
	if out.Type() != v.Type() && out.Type().AssignableTo(v.Type()) {
		conv := reflect.New(v.Type()).Elem()
		conv.Set(out)
		return conv
	}
	return out
}
