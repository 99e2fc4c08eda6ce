package config

import "reflect"

// ConfigDiff describes what changed between two configs. Log level changes
// can be applied without a restart; provider and storage changes cannot, and
// are reported so the server can tell the operator a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ProvidersChanged bool
	ProviderChanges  []ProviderDiff

	StorageChanged bool
}

// ProviderDiff describes a change to a single provider entry.
type ProviderDiff struct {
	// Kind is the provider slot that changed: "stt", "stt_fallback",
	// "extract", or "extract_fallback".
	Kind    string
	OldName string
	NewName string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	slots := []struct {
		kind string
		old  ProviderEntry
		new  ProviderEntry
	}{
		{"stt", old.Providers.STT, new.Providers.STT},
		{"stt_fallback", old.Providers.STTFallback, new.Providers.STTFallback},
		{"extract", old.Providers.Extract, new.Providers.Extract},
		{"extract_fallback", old.Providers.ExtractFallback, new.Providers.ExtractFallback},
	}
	for _, s := range slots {
		if providerChanged(s.old, s.new) {
			d.ProvidersChanged = true
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{
				Kind:    s.kind,
				OldName: s.old.Name,
				NewName: s.new.Name,
			})
		}
	}

	if old.Storage.PostgresDSN != new.Storage.PostgresDSN {
		d.StorageChanged = true
	}

	return d
}

// providerChanged reports whether any field of a provider entry changed.
// Options values may be nested maps, so they are compared deeply.
func providerChanged(old, new ProviderEntry) bool {
	if old.Name != new.Name || old.APIKey != new.APIKey || old.BaseURL != new.BaseURL || old.Model != new.Model {
		return true
	}
	return !reflect.DeepEqual(old.Options, new.Options)
}
