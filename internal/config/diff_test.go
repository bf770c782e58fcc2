package config_test

import (
	"testing"

	"github.com/MrWong99/sonavox/internal/config"
	"github.com/MrWong99/sonavox/pkg/audio/ambience"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Assistants: []config.AssistantConfig{
			{Name: "reception", SystemPrompt: "be helpful", Greeting: "hello"},
		},
	}
	d := config.Diff(cfg, cfg)
	if d.AssistantsChanged {
		t.Error("expected AssistantsChanged=false for identical configs")
	}
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if len(d.AssistantChanges) != 0 {
		t.Errorf("expected 0 assistant changes, got %d", len(d.AssistantChanges))
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_PromptChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Assistants: []config.AssistantConfig{
			{Name: "reception", SystemPrompt: "be terse"},
		},
	}
	new := &config.Config{
		Assistants: []config.AssistantConfig{
			{Name: "reception", SystemPrompt: "be chatty"},
		},
	}

	d := config.Diff(old, new)
	if !d.AssistantsChanged {
		t.Error("expected AssistantsChanged=true")
	}
	if len(d.AssistantChanges) != 1 {
		t.Fatalf("expected 1 assistant change, got %d", len(d.AssistantChanges))
	}
	if !d.AssistantChanges[0].PromptChanged {
		t.Error("expected PromptChanged=true")
	}
	if d.AssistantChanges[0].VoiceChanged {
		t.Error("expected VoiceChanged=false")
	}
}

func TestDiff_LLMParamsCountAsPromptChange(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Assistants: []config.AssistantConfig{
			{Name: "reception", LLM: config.LLMOverrides{Temperature: 0.4}},
		},
	}
	new := &config.Config{
		Assistants: []config.AssistantConfig{
			{Name: "reception", LLM: config.LLMOverrides{Temperature: 0.9}},
		},
	}

	d := config.Diff(old, new)
	if len(d.AssistantChanges) != 1 || !d.AssistantChanges[0].PromptChanged {
		t.Errorf("expected a prompt change, got %+v", d.AssistantChanges)
	}
}

func TestDiff_GreetingCountsAsPromptChange(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Assistants: []config.AssistantConfig{
			{Name: "reception", Greeting: "hello"},
		},
	}
	new := &config.Config{
		Assistants: []config.AssistantConfig{
			{Name: "reception", Greeting: "good evening"},
		},
	}

	d := config.Diff(old, new)
	if len(d.AssistantChanges) != 1 || !d.AssistantChanges[0].PromptChanged {
		t.Error("expected greeting change to set PromptChanged=true")
	}
}

func TestDiff_ToolsCountAsPromptChange(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Assistants: []config.AssistantConfig{
			{Name: "reception", Tools: []config.ToolConfig{{
				Name:       "send_callback_request",
				Fields:     map[string]string{"subject": "Summary"},
				Required:   []string{"subject"},
				WebhookURL: "https://hooks.example.com/a",
			}}},
		},
	}
	new := &config.Config{
		Assistants: []config.AssistantConfig{
			{Name: "reception", Tools: []config.ToolConfig{{
				Name:       "send_callback_request",
				Fields:     map[string]string{"subject": "Summary"},
				Required:   []string{"subject"},
				WebhookURL: "https://hooks.example.com/b",
			}}},
		},
	}

	d := config.Diff(old, new)
	if !d.AssistantsChanged {
		t.Error("expected AssistantsChanged=true")
	}
	if len(d.AssistantChanges) != 1 || !d.AssistantChanges[0].PromptChanged {
		t.Errorf("tool changes should count as a prompt change: %+v", d.AssistantChanges)
	}

	// Same tool set compares equal.
	if d2 := config.Diff(old, old); d2.AssistantsChanged {
		t.Error("identical tool sets must not report a change")
	}
}

func TestDiff_VoiceChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Assistants: []config.AssistantConfig{
			{Name: "reception", Voice: config.VoiceConfig{VoiceID: "v1"}},
		},
	}
	new := &config.Config{
		Assistants: []config.AssistantConfig{
			{Name: "reception", Voice: config.VoiceConfig{VoiceID: "v2"}},
		},
	}

	d := config.Diff(old, new)
	if !d.AssistantsChanged {
		t.Error("expected AssistantsChanged=true")
	}
	found := false
	for _, ac := range d.AssistantChanges {
		if ac.Name == "reception" && ac.VoiceChanged {
			found = true
		}
	}
	if !found {
		t.Error("expected reception VoiceChanged=true")
	}
}

func TestDiff_AmbienceChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Assistants: []config.AssistantConfig{
			{Name: "reception", Ambience: config.AmbienceConfig{Flavor: ambience.FlavorSubtle, Volume: 0.2}},
		},
	}
	new := &config.Config{
		Assistants: []config.AssistantConfig{
			{Name: "reception", Ambience: config.AmbienceConfig{Flavor: ambience.FlavorBusy, Volume: 0.2}},
		},
	}

	d := config.Diff(old, new)
	if len(d.AssistantChanges) != 1 || !d.AssistantChanges[0].AmbienceChanged {
		t.Error("expected AmbienceChanged=true")
	}
}

func TestDiff_AddedAndRemoved(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Assistants: []config.AssistantConfig{
			{Name: "reception"},
		},
	}
	new := &config.Config{
		Assistants: []config.AssistantConfig{
			{Name: "after-hours"},
		},
	}

	d := config.Diff(old, new)
	if !d.AssistantsChanged {
		t.Error("expected AssistantsChanged=true")
	}
	changes := make(map[string]config.AssistantDiff)
	for _, ac := range d.AssistantChanges {
		changes[ac.Name] = ac
	}
	if !changes["reception"].Removed {
		t.Error("expected reception Removed=true")
	}
	if !changes["after-hours"].Added {
		t.Error("expected after-hours Added=true")
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Assistants: []config.AssistantConfig{
			{Name: "a", SystemPrompt: "p1"},
			{Name: "b"},
		},
	}
	new := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogWarn},
		Assistants: []config.AssistantConfig{
			{Name: "a", SystemPrompt: "p2"},
			{Name: "c"},
		},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.AssistantsChanged {
		t.Error("expected AssistantsChanged=true")
	}
	// a: prompt changed, b: removed, c: added
	changes := make(map[string]config.AssistantDiff)
	for _, ac := range d.AssistantChanges {
		changes[ac.Name] = ac
	}
	if !changes["a"].PromptChanged {
		t.Error("expected a PromptChanged=true")
	}
	if !changes["b"].Removed {
		t.Error("expected b Removed=true")
	}
	if !changes["c"].Added {
		t.Error("expected c Added=true")
	}
}
