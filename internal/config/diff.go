package config

import "sort"

// ConfigDiff describes what changed between two configs. Only fields that
// apply to future sessions without a restart are tracked.
type ConfigDiff struct {
	PanelsChanged   bool
	Panels          []PanelDiff // sorted by name
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// PanelDiff describes what changed for a single panel preset.
type PanelDiff struct {
	Name                string
	ModelChanged        bool
	VoiceChanged        bool
	InstructionsChanged bool
	Added               bool
	Removed             bool
}

func (d PanelDiff) changed() bool {
	return d.ModelChanged || d.VoiceChanged || d.InstructionsChanged || d.Added || d.Removed
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldPanels := make(map[string]PanelConfig, len(old.Panels))
	for _, p := range old.Panels {
		oldPanels[p.Name] = p
	}
	newPanels := make(map[string]PanelConfig, len(new.Panels))
	for _, p := range new.Panels {
		newPanels[p.Name] = p
	}

	for name, op := range oldPanels {
		np, ok := newPanels[name]
		if !ok {
			d.Panels = append(d.Panels, PanelDiff{Name: name, Removed: true})
			continue
		}
		pd := PanelDiff{
			Name:                name,
			ModelChanged:        op.Model != np.Model,
			VoiceChanged:        op.Voice != np.Voice,
			InstructionsChanged: op.Instructions != np.Instructions,
		}
		if pd.changed() {
			d.Panels = append(d.Panels, pd)
		}
	}
	for name := range newPanels {
		if _, ok := oldPanels[name]; !ok {
			d.Panels = append(d.Panels, PanelDiff{Name: name, Added: true})
		}
	}

	sort.Slice(d.Panels, func(i, j int) bool { return d.Panels[i].Name < d.Panels[j].Name })
	d.PanelsChanged = len(d.Panels) > 0
	return d
}
