package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CLIProfile describes the terminal quirks of one CLI agent flavour: what its
// chat prompt looks like, whether paste must be bracketed, and whether message
// bodies need backtick-wrapping to survive shell metacharacters.
type CLIProfile struct {
	Name           string   `yaml:"name"`
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	PromptPattern  string   `yaml:"prompt_pattern"`  // regex matched against the pane's last line
	BracketedPaste bool     `yaml:"bracketed_paste"` // use bracketed paste when injecting
	WrapBackticks  bool     `yaml:"wrap_backticks"`  // wrap bodies in backticks
	EnterDelayMS   int      `yaml:"enter_delay_ms"`  // sleep between paste and Enter
	IsShell        bool     `yaml:"is_shell"`        // a shell prompt is this profile's normal input line
}

// Profiles maps CLI type name to its profile.
type Profiles map[string]CLIProfile

// DefaultProfiles covers the CLIs the relay knows out of the box. A YAML file
// loaded through LoadProfiles overrides or extends these.
func DefaultProfiles() Profiles {
	return Profiles{
		"claude": {
			Name:           "claude",
			Command:        "claude",
			PromptPattern:  `^[>│]\s*$`,
			BracketedPaste: true,
			WrapBackticks:  false,
			EnterDelayMS:   150,
		},
		"codex": {
			Name:           "codex",
			Command:        "codex",
			PromptPattern:  `^[>▌]\s*$`,
			BracketedPaste: true,
			WrapBackticks:  true,
			EnterDelayMS:   150,
		},
		"gemini": {
			Name:           "gemini",
			Command:        "gemini",
			PromptPattern:  `^>\s*$`,
			BracketedPaste: false,
			WrapBackticks:  true,
			EnterDelayMS:   200,
		},
		"shell": {
			Name:          "shell",
			Command:       os.Getenv("SHELL"),
			PromptPattern: `[$%#]\s*$`,
			EnterDelayMS:  100,
			IsShell:       true,
		},
	}
}

// LoadProfiles reads a YAML profile file and merges it over the defaults.
// A missing path returns the defaults unchanged.
func LoadProfiles(path string) (Profiles, error) {
	profiles := DefaultProfiles()
	if path == "" {
		return profiles, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return profiles, nil
		}
		return nil, fmt.Errorf("read cli profiles: %w", err)
	}
	var loaded map[string]CLIProfile
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return nil, fmt.Errorf("parse cli profiles: %w", err)
	}
	for name, p := range loaded {
		if p.Name == "" {
			p.Name = name
		}
		profiles[name] = p
	}
	return profiles, nil
}

// Get returns the profile for a CLI type, falling back to the claude profile
// for unknown types.
func (p Profiles) Get(cli string) CLIProfile {
	if prof, ok := p[cli]; ok {
		return prof
	}
	return p["claude"]
}
