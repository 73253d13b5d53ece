// Package mode holds the assistant modes. A mode pairs a display title with
// the system instruction sent to both the live voice model and the text chat
// model. Exactly one mode is active at a time.
package mode

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dworldbd-stack/red698/internal/config"
)

// ErrUnknownMode is returned when a mode name is not registered.
var ErrUnknownMode = errors.New("mode: unknown mode")

// Mode is one assistant persona.
type Mode struct {
	Name        string
	Title       string
	Instruction string
}

// Built-in modes, in display order.
var builtins = []Mode{
	{
		Name:        "chat",
		Title:       "Chat",
		Instruction: "You are Red AI, a friendly and helpful AI assistant developed by GM Ripon. Always introduce yourself as Red AI. Be concise and conversational.",
	},
	{
		Name:        "code",
		Title:       "Code Helper",
		Instruction: "You are an expert software developer and coding assistant named Red AI, developed by GM Ripon. Always introduce yourself as Red AI. Provide clear, efficient, and well-explained code. You can handle requests for any programming language, framework, or technology.",
	},
	{
		Name:        "security",
		Title:       "Cybersecurity",
		Instruction: "You are a specialized cybersecurity expert named Red AI, developed by GM Ripon. Always introduce yourself as Red AI. You provide knowledge on ethical hacking, system security, and tools like Kali Linux, NetHunter, and NH Pro. Your primary goal is to educate on cybersecurity concepts and provide code for security purposes, always emphasizing ethical use. You can draw knowledge from authoritative sources like the official Kali Linux documentation.",
	},
}

// Builtins returns a copy of the built-in modes.
func Builtins() []Mode {
	out := make([]Mode, len(builtins))
	copy(out, builtins)
	return out
}

// Registry holds the available modes and tracks the active one. It is safe
// for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	modes  []Mode
	active string
}

// NewRegistry returns a registry with the built-in modes plus overrides, and
// "chat" active.
func NewRegistry(overrides ...Mode) *Registry {
	r := &Registry{active: builtins[0].Name}
	r.modes = merge(overrides)
	return r
}

// FromConfig builds a registry from cfg.Modes and selects cfg.DefaultMode.
func FromConfig(cfg *config.Config) (*Registry, error) {
	r := NewRegistry(fromConfig(cfg.Modes)...)
	if cfg.DefaultMode != "" {
		if err := r.SetActive(cfg.DefaultMode); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func fromConfig(mcs []config.ModeConfig) []Mode {
	out := make([]Mode, 0, len(mcs))
	for _, mc := range mcs {
		out = append(out, Mode{Name: mc.Name, Title: mc.Title, Instruction: mc.Instruction})
	}
	return out
}

// merge overlays overrides onto the built-ins. Overrides replace a built-in
// with the same name in place; new names are appended in the given order.
func merge(overrides []Mode) []Mode {
	out := Builtins()
	for _, o := range overrides {
		if o.Title == "" {
			o.Title = o.Name
		}
		replaced := false
		for i := range out {
			if out[i].Name == o.Name {
				out[i] = o
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, o)
		}
	}
	return out
}

// Get returns the mode registered under name.
func (r *Registry) Get(name string) (Mode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(name)
}

func (r *Registry) lookup(name string) (Mode, error) {
	for _, m := range r.modes {
		if m.Name == name {
			return m, nil
		}
	}
	return Mode{}, fmt.Errorf("%w: %q", ErrUnknownMode, name)
}

// List returns every mode in display order.
func (r *Registry) List() []Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Mode, len(r.modes))
	copy(out, r.modes)
	return out
}

// Active returns the active mode.
func (r *Registry) Active() Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, err := r.lookup(r.active)
	if err != nil {
		return r.modes[0]
	}
	return m
}

// SetActive selects the mode named name.
func (r *Registry) SetActive(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.lookup(name); err != nil {
		return err
	}
	r.active = name
	return nil
}

// Replace swaps the configured overrides, keeping the built-ins. If the
// active mode no longer exists the registry falls back to "chat".
func (r *Registry) Replace(overrides []config.ModeConfig) {
	modes := merge(fromConfig(overrides))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modes = modes
	if _, err := r.lookup(r.active); err != nil {
		r.active = builtins[0].Name
	}
}
