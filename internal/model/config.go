package model

// ListenForAnalyticsEvents controls whether the engine subscribes to the
// analytics bus on configuration. Defaults to true.
const ListenForAnalyticsEvents = "listenForAnalyticsEvents"

// Config is the engine configuration: a few well-known options plus
// arbitrary provider sub-configurations keyed by provider name.
type Config map[string]any

// Clone returns a shallow copy. A nil Config clones to an empty one.
func (c Config) Clone() Config {
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge returns a shallow copy of c with every key of overlay applied on
// top. Overlay keys win.
func (c Config) Merge(overlay Config) Config {
	out := c.Clone()
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// Section returns the nested configuration stored under name, or an empty
// Config when the key is absent or not a map.
func (c Config) Section(name string) Config {
	switch v := c[name].(type) {
	case Config:
		return v
	case map[string]any:
		return Config(v)
	default:
		return Config{}
	}
}

// Bool returns the boolean stored under key, or def when missing or not a
// boolean.
func (c Config) Bool(key string, def bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return def
}

// String returns the string stored under key, or def when missing or not a
// string.
func (c Config) String(key, def string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return def
}
