package skill

import (
	"encoding/json"
	"fmt"
)

// FieldType is the declared type of an input field or config option.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

func (t FieldType) valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		return true
	}
	return false
}

// Field is one declared input field. Items constrains array elements when set.
type Field struct {
	Name        string
	Type        FieldType
	Items       FieldType
	Required    bool
	Description string
}

// InputSchema declares the accepted shape of an invocation's input.
type InputSchema struct {
	Fields []Field
}

// Validate checks input against the schema and returns a copy holding only
// the declared fields. Undeclared keys are dropped.
func (s InputSchema) Validate(skillName string, input map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		v, ok := input[f.Name]
		if !ok || v == nil {
			if f.Required {
				return nil, &InvalidInputError{Skill: skillName, Field: f.Name, Reason: "is required"}
			}
			continue
		}
		if !matches(f.Type, f.Items, v) {
			return nil, &InvalidInputError{Skill: skillName, Field: f.Name, Reason: "must be of type " + describe(f.Type, f.Items)}
		}
		if str, isStr := v.(string); isStr && f.Required && str == "" {
			return nil, &InvalidInputError{Skill: skillName, Field: f.Name, Reason: "must not be empty"}
		}
		out[f.Name] = v
	}
	return out, nil
}

func (s InputSchema) check() error {
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("input field with empty name")
		}
		if seen[f.Name] {
			return fmt.Errorf("input field %q declared twice", f.Name)
		}
		seen[f.Name] = true
		if !f.Type.valid() {
			return fmt.Errorf("input field %q has invalid type %q", f.Name, f.Type)
		}
		if f.Items != "" && (f.Type != TypeArray || !f.Items.valid()) {
			return fmt.Errorf("input field %q has invalid item type %q", f.Name, f.Items)
		}
	}
	return nil
}

// ConfigItem is one named configuration option with its default.
type ConfigItem struct {
	Key         string
	Type        FieldType
	Default     any
	Description string
}

// ConfigSchema declares a skill's configuration options.
type ConfigSchema struct {
	Items []ConfigItem
}

// Resolve merges overrides onto the declared defaults. Overrides for
// undeclared keys or with the wrong type are rejected.
func (c ConfigSchema) Resolve(skillName string, overrides map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(c.Items))
	declared := make(map[string]ConfigItem, len(c.Items))
	for _, item := range c.Items {
		declared[item.Key] = item
		if item.Default != nil {
			out[item.Key] = item.Default
		}
	}
	for key, v := range overrides {
		item, ok := declared[key]
		if !ok {
			return nil, &InvalidInputError{Skill: skillName, Field: "config." + key, Reason: "is not a declared option"}
		}
		if v == nil {
			continue
		}
		if !matches(item.Type, "", v) {
			return nil, &InvalidInputError{Skill: skillName, Field: "config." + key, Reason: "must be of type " + string(item.Type)}
		}
		out[key] = v
	}
	return out, nil
}

func (c ConfigSchema) check() error {
	seen := make(map[string]bool, len(c.Items))
	for _, item := range c.Items {
		if item.Key == "" {
			return fmt.Errorf("config option with empty key")
		}
		if seen[item.Key] {
			return fmt.Errorf("config option %q declared twice", item.Key)
		}
		seen[item.Key] = true
		if !item.Type.valid() {
			return fmt.Errorf("config option %q has invalid type %q", item.Key, item.Type)
		}
		if item.Default != nil && !matches(item.Type, "", item.Default) {
			return fmt.Errorf("config option %q default does not match type %q", item.Key, item.Type)
		}
	}
	return nil
}

// Defaults returns the declared default values.
func (c ConfigSchema) Defaults() map[string]any {
	out, _ := c.Resolve("", nil)
	return out
}

func matches(t, items FieldType, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64, json.Number:
			return true
		}
		return false
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		switch arr := v.(type) {
		case []string:
			return items == "" || items == TypeString
		case []any:
			if items == "" {
				return true
			}
			for _, el := range arr {
				if !matches(items, "", el) {
					return false
				}
			}
			return true
		}
		return false
	}
	return false
}

func describe(t, items FieldType) string {
	if t == TypeArray && items != "" {
		return "array of " + string(items)
	}
	return string(t)
}

// intValue reads a numeric config value, falling back to def.
func intValue(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}
