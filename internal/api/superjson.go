package api

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// envelope is the superjson wire form used by the platform's tRPC endpoints.
type envelope struct {
	JSON json.RawMessage `json:"json"`
	Meta *envelopeMeta   `json:"meta,omitempty"`
}

type envelopeMeta struct {
	// Values is either {"a.b": ["Date"]} or, for a bare root value, ["Date"].
	Values any `json:"values"`
}

var timeType = reflect.TypeOf(time.Time{})

// EncodeSuperJSON wraps v in a superjson envelope, annotating every time.Time
// reachable from v as a Date. Absent (undefined) values are expressed with
// omitempty on the Go side.
func EncodeSuperJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	env := envelope{JSON: data}

	dates := make(map[string][]string)
	collectDates(reflect.ValueOf(v), nil, dates)
	if len(dates) > 0 {
		if root, ok := dates[""]; ok && len(dates) == 1 {
			env.Meta = &envelopeMeta{Values: root}
		} else {
			env.Meta = &envelopeMeta{Values: dates}
		}
	}
	return json.Marshal(env)
}

// DecodeSuperJSON unmarshals the json part of a superjson envelope into out.
// Date annotations need no work since time.Time decodes ISO strings directly.
func DecodeSuperJSON(data []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decoding superjson envelope: %w", err)
	}
	if out == nil || len(env.JSON) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.JSON, out); err != nil {
		return fmt.Errorf("decoding superjson payload: %w", err)
	}
	return nil
}

func collectDates(v reflect.Value, path []string, out map[string][]string) {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return
	}
	if v.Type() == timeType {
		out[strings.Join(path, ".")] = []string{"Date"}
		return
	}

	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			name, omitEmpty, omitZero, skip := jsonFieldName(field)
			if skip {
				continue
			}
			fv := v.Field(i)
			if (omitEmpty && isEmptyValue(fv)) || (omitZero && fv.IsZero()) {
				continue
			}
			if field.Anonymous && field.Tag.Get("json") == "" && indirectType(field.Type).Kind() == reflect.Struct {
				collectDates(fv, path, out)
				continue
			}
			collectDates(fv, appendPath(path, name), out)
		}
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return
		}
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		for _, k := range keys {
			collectDates(v.MapIndex(k), appendPath(path, k.String()), out)
		}
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return
		}
		for i := 0; i < v.Len(); i++ {
			collectDates(v.Index(i), appendPath(path, strconv.Itoa(i)), out)
		}
	}
}

func jsonFieldName(f reflect.StructField) (name string, omitEmpty, omitZero, skip bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, false, true
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	for _, opt := range strings.Split(opts, ",") {
		switch opt {
		case "omitempty":
			omitEmpty = true
		case "omitzero":
			omitZero = true
		}
	}
	return name, omitEmpty, omitZero, false
}

// isEmptyValue mirrors encoding/json's omitempty rule.
func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Interface, reflect.Pointer:
		return v.IsZero()
	}
	return false
}

func indirectType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

func appendPath(path []string, seg string) []string {
	next := make([]string, len(path)+1)
	copy(next, path)
	next[len(path)] = seg
	return next
}
