package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Setting is one scalar field of Config addressed by its dot-separated JSON
// path, e.g. "dispatch.agent". Fields tagged secret:"true" are masked when
// displayed; fields tagged choices:"a|b" only accept those values.
type Setting struct {
	Key     string
	Secret  bool
	Choices []string
	field   reflect.Value
}

// Value is the current typed value.
func (s Setting) Value() any { return s.field.Interface() }

// Display renders the value for a terminal. Secrets keep their last four
// characters.
func (s Setting) Display() string {
	v := fmt.Sprint(s.Value())
	if !s.Secret || v == "" {
		return v
	}
	if len(v) <= 4 {
		return "***"
	}
	return "***" + v[len(v)-4:]
}

func (s Setting) set(raw string) error {
	switch s.field.Kind() {
	case reflect.String:
		if len(s.Choices) > 0 && !contains(s.Choices, raw) {
			return fmt.Errorf("invalid value %q for %s (want %s)", raw, s.Key, strings.Join(s.Choices, ", "))
		}
		s.field.SetString(raw)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%s expects an integer: %w", s.Key, err)
		}
		s.field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s expects true or false: %w", s.Key, err)
		}
		s.field.SetBool(b)
	default:
		return fmt.Errorf("%s cannot be set from the command line", s.Key)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, c := range list {
		if c == v {
			return true
		}
	}
	return false
}

// Settings lists every scalar setting of cfg sorted by key. Lists such as
// projects are not included; edit them in the file.
func Settings(cfg *Config) []Setting {
	var out []Setting
	walk("", reflect.ValueOf(cfg).Elem(), &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func walk(prefix string, v reflect.Value, out *[]Setting) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.Struct:
			walk(key, fv, out)
		case reflect.String, reflect.Int, reflect.Int64, reflect.Bool:
			s := Setting{Key: key, Secret: f.Tag.Get("secret") == "true", field: fv}
			if c := f.Tag.Get("choices"); c != "" {
				s.Choices = strings.Split(c, "|")
			}
			*out = append(*out, s)
		}
	}
}

// Lookup finds the setting for key in cfg.
func Lookup(cfg *Config, key string) (Setting, error) {
	for _, s := range Settings(cfg) {
		if s.Key == key {
			return s, nil
		}
	}
	return Setting{}, fmt.Errorf("unknown config key: %s", key)
}

// GetValue returns the effective setting for key, env overrides included.
// A missing config file is created with defaults.
func GetValue(path, key string) (Setting, error) {
	cfg, err := Load(path)
	if err != nil {
		return Setting{}, fmt.Errorf("load config: %w", err)
	}
	return Lookup(cfg, key)
}

// SetValue parses raw for key and saves it to the file at path. Env
// overrides are not applied, so secrets from the environment never end up
// on disk.
func SetValue(path, key, raw string) (Setting, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Setting{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return Setting{}, fmt.Errorf("parse config: %w", err)
	}
	s, err := Lookup(cfg, key)
	if err != nil {
		return Setting{}, err
	}
	if err := s.set(raw); err != nil {
		return Setting{}, err
	}
	if err := Save(path, cfg); err != nil {
		return Setting{}, err
	}
	return s, nil
}
