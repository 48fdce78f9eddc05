package live

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/ashureev/livelink/internal/protocol"
	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var builtinProfiles []byte

// Output selects how assistant text reaches the client.
type Output string

const (
	// OutputAudio streams model text as incremental text events.
	OutputAudio Output = "audio"
	// OutputReport collects model text and delivers it as one report per turn.
	OutputReport Output = "report"
)

// Profile is the system-instruction configuration of one mode.
type Profile struct {
	Mode        string   `yaml:"-"`
	Instruction string   `yaml:"instruction"`
	Output      Output   `yaml:"output"`
	Modalities  []string `yaml:"modalities"`
	Model       string   `yaml:"model,omitempty"`
	Voice       string   `yaml:"voice,omitempty"`
}

// Reports reports whether the profile delivers model text as reports.
func (p Profile) Reports() bool { return p.Output == OutputReport }

type profileFile struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// Profiles maps mode names to profiles.
type Profiles struct {
	byMode map[string]Profile
}

// DefaultProfiles returns the built-in chat and live_analysis profiles.
func DefaultProfiles() *Profiles {
	p, err := ParseProfiles(builtinProfiles)
	if err != nil {
		panic("live: built-in profiles: " + err.Error())
	}
	return p
}

// LoadProfiles reads profiles from a YAML file. An empty path returns the
// built-in profiles.
func LoadProfiles(path string) (*Profiles, error) {
	if path == "" {
		return DefaultProfiles(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles decodes a profiles document. It must define the chat mode.
func ParseProfiles(data []byte) (*Profiles, error) {
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}

	p := &Profiles{byMode: make(map[string]Profile, len(f.Profiles))}
	for mode, prof := range f.Profiles {
		mode = strings.TrimSpace(mode)
		prof.Mode = mode
		prof.Instruction = strings.TrimSpace(prof.Instruction)
		switch prof.Output {
		case "":
			prof.Output = OutputAudio
		case OutputAudio, OutputReport:
		default:
			return nil, fmt.Errorf("profile %q: unknown output %q", mode, prof.Output)
		}
		if len(prof.Modalities) == 0 {
			prof.Modalities = []string{"AUDIO"}
		}
		p.byMode[mode] = prof
	}

	if _, ok := p.byMode[protocol.ModeChat]; !ok {
		return nil, fmt.Errorf("profiles: %q mode is required", protocol.ModeChat)
	}
	return p, nil
}

// Resolve returns the profile for mode, falling back to chat.
func (p *Profiles) Resolve(mode string) Profile {
	if prof, ok := p.byMode[mode]; ok {
		return prof
	}
	return p.byMode[protocol.ModeChat]
}

// Modes lists the configured mode names.
func (p *Profiles) Modes() []string {
	modes := make([]string, 0, len(p.byMode))
	for m := range p.byMode {
		modes = append(modes, m)
	}
	return modes
}
