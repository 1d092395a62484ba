package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load builds a Config from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := populate(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoad is Load that exits the process on failure. For use in main.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// populate walks a struct value and fills fields tagged with `env`.
// Nested structs without an env tag are recursed into.
func populate(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)

		key := field.Tag.Get("env")
		if key == "" {
			if fv.Kind() == reflect.Struct {
				if err := populate(fv); err != nil {
					return err
				}
			}
			continue
		}

		raw, ok := lookup(key, field.Tag.Get("envAlt"))
		if !ok {
			raw = field.Tag.Get("default")
			if raw == "" {
				if field.Tag.Get("required") == "true" {
					return fmt.Errorf("%s is required", key)
				}
				continue
			}
		}

		if err := setField(fv, raw); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func lookup(key, alt string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, true
	}
	if alt != "" {
		if v, ok := os.LookupEnv(alt); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func setField(fv reflect.Value, raw string) error {
	switch fv.Interface().(type) {
	case time.Duration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q", raw)
		}
		fv.SetInt(int64(d))
		return nil
	case []string:
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		fv.Set(reflect.ValueOf(out))
		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		fv.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", raw)
		}
		fv.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}
	return nil
}
