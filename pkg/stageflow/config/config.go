package config

import (
	"strings"
)

// Keys recognized at the top level of a flow document.
const (
	KeyFlowID   = "flow_id"
	KeySettings = "settings"
	KeyStages   = "stages"
)

// Config wraps a map[string]any for type-safe value extraction.
// All accessor methods return default values if the key is missing
// or the value cannot be converted to the requested type.
type Config struct {
	data map[string]any
}

// New creates a Config from the given map.
// If data is nil, an empty Config is returned.
func New(data map[string]any) Config {
	if data == nil {
		data = make(map[string]any)
	}
	return Config{data: data}
}

// String returns the string value for key, or defaultVal if missing or not a string.
func (c Config) String(key, defaultVal string) string {
	if s, ok := c.data[key].(string); ok {
		return s
	}
	return defaultVal
}

// Bool returns the boolean value for key, or defaultVal if missing or not a bool.
// The strings "true" and "false" (any case) are accepted, since environment
// overlays often produce them.
func (c Config) Bool(key string, defaultVal bool) bool {
	switch val := c.data[key].(type) {
	case bool:
		return val
	case string:
		switch strings.ToLower(val) {
		case "true":
			return true
		case "false":
			return false
		}
	}
	return defaultVal
}

// Int returns the integer value for key, or defaultVal if missing or not convertible.
//
// YAML decodes integers as int, JSON as float64; both are accepted. A float
// with a fractional part is rejected.
func (c Config) Int(key string, defaultVal int) int {
	switch val := c.data[key].(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		if val == float64(int(val)) {
			return int(val)
		}
	}
	return defaultVal
}

// Section returns the nested map under key as a Config. A missing or
// non-map value yields an empty Config.
func (c Config) Section(key string) Config {
	switch val := c.data[key].(type) {
	case map[string]any:
		return New(val)
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, v := range val {
			if ks, ok := k.(string); ok {
				m[ks] = v
			}
		}
		return New(m)
	}
	return New(nil)
}

// FlowID returns the flow_id key, or "" when unset.
func (c Config) FlowID() string {
	return c.String(KeyFlowID, "")
}

// Has returns true if the key exists in the config.
func (c Config) Has(key string) bool {
	_, ok := c.data[key]
	return ok
}

// Raw returns the underlying map.
// The returned map should not be modified.
func (c Config) Raw() map[string]any {
	return c.data
}
