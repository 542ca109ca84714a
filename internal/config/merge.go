package config

import (
	"reflect"
)

// MergeNonZero returns a copy of base with every non-zero field of overlay
// applied on top. Bools always take the overlay value, slices override when
// non-empty, maps are merged with overlay keys winning, nested structs are
// merged field by field and pointers override when non-nil.
//
// Only used while loading configuration, never per request.
func MergeNonZero[T any](base, overlay T) T {
	result := base
	mergeInto(reflect.ValueOf(&result).Elem(), reflect.ValueOf(&overlay).Elem())
	return result
}

func mergeInto(dst, src reflect.Value) {
	switch dst.Kind() {
	case reflect.Struct:
		for i := 0; i < dst.NumField(); i++ {
			if dst.Field(i).CanSet() {
				mergeField(dst.Field(i), src.Field(i))
			}
		}
	case reflect.Map:
		mergeMap(dst, src)
	default:
		if !src.IsZero() {
			dst.Set(src)
		}
	}
}

func mergeField(dst, src reflect.Value) {
	switch dst.Kind() {
	case reflect.Bool:
		dst.SetBool(src.Bool())
	case reflect.Struct:
		mergeInto(dst, src)
	case reflect.Map:
		mergeMap(dst, src)
	case reflect.Slice:
		if src.Len() > 0 {
			dst.Set(src)
		}
	case reflect.Ptr, reflect.Interface:
		if !src.IsNil() {
			dst.Set(src)
		}
	default:
		if !src.IsZero() {
			dst.Set(src)
		}
	}
}

func mergeMap(dst, src reflect.Value) {
	if src.Len() == 0 {
		return
	}
	merged := reflect.MakeMapWithSize(dst.Type(), dst.Len()+src.Len())
	iter := dst.MapRange()
	for iter.Next() {
		merged.SetMapIndex(iter.Key(), iter.Value())
	}
	iter = src.MapRange()
	for iter.Next() {
		merged.SetMapIndex(iter.Key(), iter.Value())
	}
	dst.Set(merged)
}
