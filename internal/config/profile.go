package config

import (
	"errors"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ToolConfig declares a function tool offered to the upstream model.
type ToolConfig struct {
	Type        string         `yaml:"type" json:"type"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Parameters  map[string]any `yaml:"parameters" json:"parameters"`
}

// Profile is a YAML file that customises the upstream conversation.
type Profile struct {
	Instructions string       `yaml:"instructions"`
	Voice        string       `yaml:"voice"`
	Tools        []ToolConfig `yaml:"tools"`
}

// ReadProfile parses a session profile file.
func ReadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return Profile{}, err
	}
	for i, tool := range profile.Tools {
		if strings.TrimSpace(tool.Name) == "" {
			return Profile{}, errors.New("profile tool without a name")
		}
		if tool.Type == "" {
			profile.Tools[i].Type = "function"
		}
	}
	return profile, nil
}

// Apply overrides instructions and voice and appends the profile tools.
func (p Profile) Apply(cfg *RealtimeConfig) {
	if cfg == nil {
		return
	}
	if instructions := strings.TrimSpace(p.Instructions); instructions != "" {
		cfg.Instructions = instructions
	}
	if voice := strings.TrimSpace(p.Voice); voice != "" {
		cfg.Voice = voice
	}
	cfg.Tools = append(cfg.Tools, p.Tools...)
}
