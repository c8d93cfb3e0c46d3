// Package config loads the runtime configuration from YAML or JSON files
// and applies environment variable overrides.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"
)

// Load reads a configuration file into target, detecting the format by
// extension. Unknown extensions default to YAML.
func Load(path string, target interface{}) error {
	if strings.HasSuffix(path, ".json") {
		return LoadJSON(path, target)
	}
	return LoadYAML(path, target)
}

// LoadYAML reads a YAML file into target.
func LoadYAML(path string, target interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("parse YAML config %s: %w", path, err)
	}
	return nil
}

// LoadJSON reads a JSON file into target.
func LoadJSON(path string, target interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := sonic.Unmarshal(data, target); err != nil {
		return fmt.Errorf("parse JSON config %s: %w", path, err)
	}
	return nil
}

// LoadWithEnv loads a configuration file and then applies environment
// overrides named PREFIX_FIELD_SUBFIELD (e.g. STATOR_PERSISTENCE_DSN).
func LoadWithEnv(path, prefix string, target interface{}) error {
	if err := Load(path, target); err != nil {
		return err
	}
	return ApplyEnvOverrides(prefix, target)
}

// ApplyEnvOverrides walks target's fields and overrides any for which an
// environment variable PREFIX_FIELD (uppercased, nested structs joined
// with underscores) is set.
func ApplyEnvOverrides(prefix string, target interface{}) error {
	if prefix == "" {
		prefix = "STATOR"
	}
	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("target must be a pointer to a struct")
	}
	return applyEnvToStruct(prefix, val.Elem())
}

func applyEnvToStruct(prefix string, val reflect.Value) error {
	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !field.CanSet() {
			continue
		}

		envKey := strings.ReplaceAll(prefix+"_"+strings.ToUpper(fieldType.Name), "-", "_")

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := applyEnvToStruct(envKey, field); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldFromEnv(field, envValue); err != nil {
			return fmt.Errorf("set field %s from env %s: %w", fieldType.Name, envKey, err)
		}
	}
	return nil
}

func setFieldFromEnv(field reflect.Value, envValue string) error {
	// Durations accept Go duration syntax ("30s", "5m").
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(envValue)
		if err != nil {
			return fmt.Errorf("invalid duration %q", envValue)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var v int64
		if _, err := fmt.Sscanf(envValue, "%d", &v); err != nil {
			return fmt.Errorf("invalid integer %q", envValue)
		}
		field.SetInt(v)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		var v uint64
		if _, err := fmt.Sscanf(envValue, "%d", &v); err != nil {
			return fmt.Errorf("invalid unsigned integer %q", envValue)
		}
		field.SetUint(v)
	case reflect.Float32, reflect.Float64:
		var v float64
		if _, err := fmt.Sscanf(envValue, "%f", &v); err != nil {
			return fmt.Errorf("invalid float %q", envValue)
		}
		field.SetFloat(v)
	case reflect.Bool:
		field.SetBool(strings.EqualFold(envValue, "true") || envValue == "1")
	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
