package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: assistant
// profiles apply to new calls, and the log level applies immediately.
type ConfigDiff struct {
	AssistantsChanged bool            // true if any assistant profile changed
	AssistantChanges  []AssistantDiff // per-assistant diffs
	LogLevelChanged   bool
	NewLogLevel       LogLevel
}

// AssistantDiff describes what changed for a single assistant between two
// configs.
type AssistantDiff struct {
	Name            string
	PromptChanged   bool // system prompt, greeting, or generation parameters
	VoiceChanged    bool
	AmbienceChanged bool
	Added           bool
	Removed         bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Build assistant lookup maps keyed by name.
	oldAssistants := make(map[string]*AssistantConfig, len(old.Assistants))
	for i := range old.Assistants {
		oldAssistants[old.Assistants[i].Name] = &old.Assistants[i]
	}
	newAssistants := make(map[string]*AssistantConfig, len(new.Assistants))
	for i := range new.Assistants {
		newAssistants[new.Assistants[i].Name] = &new.Assistants[i]
	}

	// Detect modified and removed assistants.
	for name, oldA := range oldAssistants {
		newA, exists := newAssistants[name]
		if !exists {
			d.AssistantChanges = append(d.AssistantChanges, AssistantDiff{
				Name:    name,
				Removed: true,
			})
			d.AssistantsChanged = true
			continue
		}
		ad := diffAssistant(name, oldA, newA)
		if ad.PromptChanged || ad.VoiceChanged || ad.AmbienceChanged {
			d.AssistantChanges = append(d.AssistantChanges, ad)
			d.AssistantsChanged = true
		}
	}

	// Detect added assistants.
	for name := range newAssistants {
		if _, exists := oldAssistants[name]; !exists {
			d.AssistantChanges = append(d.AssistantChanges, AssistantDiff{
				Name:  name,
				Added: true,
			})
			d.AssistantsChanged = true
		}
	}

	return d
}

// diffAssistant compares two assistant configs with the same name.
func diffAssistant(name string, old, new *AssistantConfig) AssistantDiff {
	ad := AssistantDiff{Name: name}

	if old.SystemPrompt != new.SystemPrompt || old.Greeting != new.Greeting || old.LLM != new.LLM {
		ad.PromptChanged = true
	}
	if !slices.EqualFunc(old.Tools, new.Tools, toolsEqual) {
		ad.PromptChanged = true
	}
	if old.Voice != new.Voice {
		ad.VoiceChanged = true
	}
	if old.Ambience != new.Ambience {
		ad.AmbienceChanged = true
	}

	return ad
}

// toolsEqual reports whether two tool declarations are identical.
func toolsEqual(a, b ToolConfig) bool {
	return a.Name == b.Name &&
		a.Description == b.Description &&
		a.WebhookURL == b.WebhookURL &&
		slices.Equal(a.Required, b.Required) &&
		maps.Equal(a.Fields, b.Fields)
}
