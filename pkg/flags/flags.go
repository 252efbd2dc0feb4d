// Copyright 2022 The CodeDuel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package flags turns a configuration struct into a set of command line
// flags, so values loaded from a YAML file can be overridden per field.
//
// Exported fields are walked recursively. Nested structs produce dotted
// flag names ("logger.level", "matchmaker.widen_max"). The flag name is
// taken from the field's tag named by TagName (typically "yaml"), falling
// back to the lowercased field name; usage text comes from the tag named
// by TagUsage. Maps, channels and function fields are skipped.
package flags

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// MakerOptions controls flag naming when walking a struct.
type MakerOptions struct {
	UseLowerCase bool
	TagName      string
	TagUsage     string
}

// Maker registers flags for struct fields on an existing FlagSet.
type Maker struct {
	opts MakerOptions
	fs   *flag.FlagSet
}

func NewMaker(opts MakerOptions, fs *flag.FlagSet) *Maker {
	return &Maker{opts: opts, fs: fs}
}

// ParseArgs defines flags for every settable field of obj, then parses args.
// Returns the remaining non-flag arguments.
func (m *Maker) ParseArgs(obj interface{}, args []string) ([]string, error) {
	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return args, fmt.Errorf("flags: target must be a non-nil pointer, got %v", v.Type())
	}
	elem := v.Elem()
	if elem.Kind() == reflect.Interface {
		elem = elem.Elem()
		if elem.Kind() != reflect.Ptr || elem.IsNil() {
			return args, fmt.Errorf("flags: interface target must wrap a non-nil pointer")
		}
		elem = elem.Elem()
	}
	if elem.Kind() != reflect.Struct {
		return args, fmt.Errorf("flags: target must point to a struct, got %v", elem.Kind())
	}
	m.walk("", elem, "")
	if err := m.fs.Parse(args); err != nil {
		return args, err
	}
	return m.fs.Args(), nil
}

func (m *Maker) walk(prefix string, value reflect.Value, usage string) {
	switch value.Kind() {
	case reflect.Map, reflect.Chan, reflect.Func, reflect.Array, reflect.Uintptr, reflect.UnsafePointer:
		return
	case reflect.Slice:
		m.defineSlice(prefix, value, usage)
		return
	case reflect.Ptr:
		if value.IsNil() {
			value.Set(reflect.New(value.Type().Elem()))
		}
		m.walk(prefix, value.Elem(), usage)
		return
	case reflect.Interface:
		if !value.IsNil() {
			m.walk(prefix, value.Elem(), usage)
		}
		return
	case reflect.Struct:
		// fall through to field enumeration
	default:
		m.define(prefix, value, usage)
		return
	}

	t := value.Type()
	for i := 0; i < value.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" && !f.Anonymous {
			continue
		}
		name := m.fieldName(f)
		if prefix != "" {
			name = prefix + "." + name
		}
		m.walk(name, value.Field(i), m.fieldUsage(name, f))
	}
}

func (m *Maker) fieldName(f reflect.StructField) string {
	name := f.Tag.Get(m.opts.TagName)
	if idx := strings.Index(name, ","); idx >= 0 {
		name = name[:idx]
	}
	if name == "" {
		name = f.Name
	}
	if m.opts.UseLowerCase {
		name = strings.ToLower(name)
	}
	return name
}

func (m *Maker) fieldUsage(name string, f reflect.StructField) string {
	if usage := f.Tag.Get(m.opts.TagUsage); usage != "" {
		return usage
	}
	return name
}

func (m *Maker) define(name string, value reflect.Value, usage string) {
	addr := value.Addr()
	switch value.Kind() {
	case reflect.String:
		m.fs.StringVar(addr.Convert(reflect.TypeOf((*string)(nil))).Interface().(*string), name, value.String(), usage)
	case reflect.Bool:
		m.fs.BoolVar(addr.Convert(reflect.TypeOf((*bool)(nil))).Interface().(*bool), name, value.Bool(), usage)
	case reflect.Int:
		m.fs.IntVar(addr.Convert(reflect.TypeOf((*int)(nil))).Interface().(*int), name, int(value.Int()), usage)
	case reflect.Int64:
		m.fs.Int64Var(addr.Convert(reflect.TypeOf((*int64)(nil))).Interface().(*int64), name, value.Int(), usage)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		m.fs.Var(&uintValue{value}, name, usage)
	case reflect.Float64:
		m.fs.Float64Var(addr.Convert(reflect.TypeOf((*float64)(nil))).Interface().(*float64), name, value.Float(), usage)
	case reflect.Int8, reflect.Int16, reflect.Int32:
		m.fs.Var(&intValue{value}, name, usage)
	case reflect.Float32:
		m.fs.Var(&floatValue{value}, name, usage)
	}
}

func (m *Maker) defineSlice(name string, value reflect.Value, usage string) {
	switch value.Type().Elem().Kind() {
	case reflect.String:
		m.fs.Var(&stringSliceValue{value.Addr().Interface().(*[]string)}, name, usage)
	case reflect.Int:
		m.fs.Var(&intSliceValue{value.Addr().Interface().(*[]int)}, name, usage)
	}
}

// uintValue adapts any unsigned field to the flag.Value interface.
type uintValue struct{ v reflect.Value }

func (u *uintValue) String() string {
	if !u.v.IsValid() {
		return ""
	}
	return strconv.FormatUint(u.v.Uint(), 10)
}

func (u *uintValue) Set(s string) error {
	n, err := strconv.ParseUint(s, 10, u.v.Type().Bits())
	if err != nil {
		return err
	}
	u.v.SetUint(n)
	return nil
}

type intValue struct{ v reflect.Value }

func (i *intValue) String() string {
	if !i.v.IsValid() {
		return ""
	}
	return strconv.FormatInt(i.v.Int(), 10)
}

func (i *intValue) Set(s string) error {
	n, err := strconv.ParseInt(s, 10, i.v.Type().Bits())
	if err != nil {
		return err
	}
	i.v.SetInt(n)
	return nil
}

type floatValue struct{ v reflect.Value }

func (f *floatValue) String() string {
	if !f.v.IsValid() {
		return ""
	}
	return strconv.FormatFloat(f.v.Float(), 'g', -1, 32)
}

func (f *floatValue) Set(s string) error {
	n, err := strconv.ParseFloat(s, f.v.Type().Bits())
	if err != nil {
		return err
	}
	f.v.SetFloat(n)
	return nil
}

// stringSliceValue accumulates repeated flag occurrences.
type stringSliceValue struct{ target *[]string }

func (s *stringSliceValue) String() string {
	if s.target == nil {
		return ""
	}
	return strings.Join(*s.target, ",")
}

func (s *stringSliceValue) Set(v string) error {
	*s.target = append(*s.target, v)
	return nil
}

type intSliceValue struct{ target *[]int }

func (s *intSliceValue) String() string {
	if s.target == nil {
		return ""
	}
	parts := make([]string, 0, len(*s.target))
	for _, n := range *s.target {
		parts = append(parts, strconv.Itoa(n))
	}
	return strings.Join(parts, ",")
}

func (s *intSliceValue) Set(v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*s.target = append(*s.target, n)
	return nil
}
