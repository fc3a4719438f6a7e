package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ErrNotPointer is returned when SetConfigFromEnvVars is given a non-pointer.
var ErrNotPointer = errors.New("config target must be a non-nil pointer to a struct")

var durationType = reflect.TypeOf(time.Duration(0))

// GetenvOrDefault returns the trimmed value of key, or defaultValue when it is unset or blank.
func GetenvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	return value
}

// GetenvBoolOrDefault parses key as a bool, falling back on missing or invalid values.
func GetenvBoolOrDefault(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(GetenvOrDefault(key, strconv.FormatBool(defaultValue)))
	if err != nil {
		return defaultValue
	}

	return value
}

// GetenvIntOrDefault parses key as an int64, falling back on missing or invalid values.
func GetenvIntOrDefault(key string, defaultValue int64) int64 {
	value, err := strconv.ParseInt(GetenvOrDefault(key, ""), 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// SetConfigFromEnvVars fills the fields of the struct s points to from the
// environment. Fields are bound with `env:"KEY"`; `default:"value"` applies when
// the variable is unset or blank. Nested structs are walked recursively.
// Supported kinds are string, bool, ints, time.Duration and comma-separated
// []string.
func SetConfigFromEnvVars(s any) error {
	v := reflect.ValueOf(s)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return ErrNotPointer
	}

	return setStruct(v.Elem())
}

func setStruct(v reflect.Value) error {
	t := v.Type()

	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		value := v.Field(i)

		key, tagged := field.Tag.Lookup("env")
		if !tagged {
			if value.Kind() == reflect.Struct {
				if err := setStruct(value); err != nil {
					return err
				}
			}

			continue
		}

		raw := GetenvOrDefault(key, field.Tag.Get("default"))
		if raw == "" {
			continue
		}

		if err := setValue(value, raw); err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
	}

	return nil
}

func setValue(value reflect.Value, raw string) error {
	if value.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}

		value.SetInt(int64(d))

		return nil
	}

	switch value.Kind() {
	case reflect.String:
		value.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}

		value.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, value.Type().Bits())
		if err != nil {
			return err
		}

		value.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, value.Type().Bits())
		if err != nil {
			return err
		}

		value.SetUint(n)
	case reflect.Slice:
		if value.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", value.Type())
		}

		parts := make([]string, 0)

		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				parts = append(parts, part)
			}
		}

		value.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type %s", value.Type())
	}

	return nil
}
