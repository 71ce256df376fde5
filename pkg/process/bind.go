// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

// Package process is the shared service harness: flag binding from config
// struct tags, config file loading, logging, and signal-aware contexts.
package process

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
)

// Error is the class of process setup errors.
var Error = errs.Class("process error")

// Bind registers a flag for every tagged field of cfg, writing parsed values
// straight into the struct. Nested structs become dotted prefixes, so
//
//	type Config struct{ Server webapi.Config }
//
// yields flags like server.address. Fields without a help tag and without
// nested tagged fields are skipped.
func Bind(flags *pflag.FlagSet, prefix string, cfg interface{}) {
	value := reflect.ValueOf(cfg)
	if value.Kind() != reflect.Ptr || value.Elem().Kind() != reflect.Struct {
		panic("process: Bind requires a pointer to a struct")
	}
	bindStruct(flags, prefix, value.Elem())
}

func bindStruct(flags *pflag.FlagSet, prefix string, value reflect.Value) {
	typ := value.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if field.PkgPath != "" {
			continue
		}
		name := flagName(prefix, field.Name)
		help := field.Tag.Get("help")
		def := field.Tag.Get("default")

		fieldValue := value.Field(i)
		if help == "" {
			if fieldValue.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
				bindStruct(flags, name, fieldValue)
			}
			continue
		}

		switch ptr := fieldValue.Addr().Interface().(type) {
		case *string:
			flags.StringVar(ptr, name, def, help)
		case *bool:
			flags.BoolVar(ptr, name, mustParseBool(name, def), help)
		case *int:
			flags.IntVar(ptr, name, int(mustParseInt(name, def)), help)
		case *int64:
			flags.Int64Var(ptr, name, mustParseInt(name, def), help)
		case *time.Duration:
			flags.DurationVar(ptr, name, mustParseDuration(name, def), help)
		default:
			panic("process: unsupported field type for flag " + name)
		}
	}
}

func flagName(prefix, field string) string {
	name := strings.ToLower(field)
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func mustParseBool(name, def string) bool {
	if def == "" {
		return false
	}
	parsed, err := strconv.ParseBool(def)
	if err != nil {
		panic("process: bad bool default for " + name)
	}
	return parsed
}

func mustParseInt(name, def string) int64 {
	if def == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(def, 10, 64)
	if err != nil {
		panic("process: bad int default for " + name)
	}
	return parsed
}

func mustParseDuration(name, def string) time.Duration {
	if def == "" {
		return 0
	}
	parsed, err := time.ParseDuration(def)
	if err != nil {
		panic("process: bad duration default for " + name)
	}
	return parsed
}
