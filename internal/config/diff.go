package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only log level and modes are applied at runtime; every other changed
// section is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ModesChanged is true if any mode was added, removed, or edited.
	ModesChanged bool
	ModeChanges  []ModeDiff

	DefaultModeChanged bool
	NewDefaultMode     string

	// RestartRequired names config sections that changed but only take
	// effect after a restart (e.g. "providers.live", "audio").
	RestartRequired []string
}

// ModeDiff describes what changed for a single mode between two configs.
type ModeDiff struct {
	Name               string
	TitleChanged       bool
	InstructionChanged bool
	Added              bool
	Removed            bool
}

// Changed reports whether d carries any hot-reloadable change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ModesChanged || d.DefaultModeChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.DefaultMode != new.DefaultMode {
		d.DefaultModeChanged = true
		d.NewDefaultMode = new.DefaultMode
	}

	oldModes := make(map[string]ModeConfig, len(old.Modes))
	for _, m := range old.Modes {
		oldModes[m.Name] = m
	}
	newModes := make(map[string]ModeConfig, len(new.Modes))
	for _, m := range new.Modes {
		newModes[m.Name] = m
	}
	for name, om := range oldModes {
		nm, ok := newModes[name]
		if !ok {
			d.ModeChanges = append(d.ModeChanges, ModeDiff{Name: name, Removed: true})
			continue
		}
		md := ModeDiff{
			Name:               name,
			TitleChanged:       om.Title != nm.Title,
			InstructionChanged: om.Instruction != nm.Instruction,
		}
		if md.TitleChanged || md.InstructionChanged {
			d.ModeChanges = append(d.ModeChanges, md)
		}
	}
	for name := range newModes {
		if _, ok := oldModes[name]; !ok {
			d.ModeChanges = append(d.ModeChanges, ModeDiff{Name: name, Added: true})
		}
	}
	slices.SortFunc(d.ModeChanges, func(a, b ModeDiff) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	d.ModesChanged = len(d.ModeChanges) > 0

	if old.Server.StatusAddr != new.Server.StatusAddr {
		d.RestartRequired = append(d.RestartRequired, "server.status_addr")
	}
	if !entryEqual(old.Providers.Live, new.Providers.Live) {
		d.RestartRequired = append(d.RestartRequired, "providers.live")
	}
	if !entryEqual(old.Providers.LLM, new.Providers.LLM) ||
		!slices.EqualFunc(old.Providers.LLMFallbacks, new.Providers.LLMFallbacks, entryEqual) {
		d.RestartRequired = append(d.RestartRequired, "providers.llm")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}

	return d
}

// entryEqual compares the scalar fields of two provider entries. Options are
// compared by key set and formatted value.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || !scalarEqual(av, bv) {
			return false
		}
	}
	return true
}

// scalarEqual compares YAML scalar option values. Non-comparable values
// (maps, slices) are treated as changed.
func scalarEqual(a, b any) bool {
	switch a.(type) {
	case string, int, int64, float64, bool, nil:
		return a == b
	}
	return false
}
