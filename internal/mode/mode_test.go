package mode

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/dworldbd-stack/red698/internal/config"
)

func names(ms []Mode) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Name
	}
	return out
}

func TestNewRegistry_Builtins(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	if got := strings.Join(names(r.List()), ","); got != "chat,code,security" {
		t.Errorf("List = %s, want chat,code,security", got)
	}
	if a := r.Active(); a.Name != "chat" || a.Title != "Chat" {
		t.Errorf("Active = %+v, want chat", a)
	}
	for _, m := range r.List() {
		if !strings.Contains(m.Instruction, "Red AI") {
			t.Errorf("mode %q instruction should name the assistant: %q", m.Name, m.Instruction)
		}
	}
	code, _ := r.Get("code")
	sec, _ := r.Get("security")
	if code.Instruction == sec.Instruction {
		t.Error("modes must carry distinct instructions")
	}
}

func TestSetActive(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if err := r.SetActive("security"); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if r.Active().Name != "security" {
		t.Errorf("Active = %q, want security", r.Active().Name)
	}

	err := r.SetActive("poetry")
	if !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("SetActive(unknown) = %v, want ErrUnknownMode", err)
	}
	if r.Active().Name != "security" {
		t.Error("failed SetActive must not change the active mode")
	}
}

func TestOverrides(t *testing.T) {
	t.Parallel()
	r := NewRegistry(
		Mode{Name: "code", Title: "Go Reviewer", Instruction: "Review Go code."},
		Mode{Name: "pirate", Instruction: "Arr."},
	)
	if got := strings.Join(names(r.List()), ","); got != "chat,code,security,pirate" {
		t.Errorf("List = %s", got)
	}
	code, _ := r.Get("code")
	if code.Title != "Go Reviewer" || code.Instruction != "Review Go code." {
		t.Errorf("override not applied: %+v", code)
	}
	pirate, _ := r.Get("pirate")
	if pirate.Title != "pirate" {
		t.Errorf("empty title should default to the name, got %q", pirate.Title)
	}
	if len(Builtins()) != 3 || Builtins()[1].Title != "Code Helper" {
		t.Error("overrides must not leak into the built-ins")
	}
}

func TestFromConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Modes:       []config.ModeConfig{{Name: "tutor", Title: "Tutor", Instruction: "Teach."}},
		DefaultMode: "tutor",
	}
	r, err := FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if r.Active().Name != "tutor" {
		t.Errorf("Active = %q, want tutor", r.Active().Name)
	}

	_, err = FromConfig(&config.Config{DefaultMode: "missing"})
	if !errors.Is(err, ErrUnknownMode) {
		t.Errorf("unknown default mode: got %v, want ErrUnknownMode", err)
	}
}

func TestReplace(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Mode{Name: "tutor", Instruction: "Teach."})
	if err := r.SetActive("tutor"); err != nil {
		t.Fatal(err)
	}

	r.Replace([]config.ModeConfig{{Name: "tutor", Title: "Tutor", Instruction: "Teach slowly."}})
	if a := r.Active(); a.Name != "tutor" || a.Instruction != "Teach slowly." {
		t.Errorf("Active after edit = %+v", a)
	}

	r.Replace(nil)
	if r.Active().Name != "chat" {
		t.Errorf("removed active mode should fall back to chat, got %q", r.Active().Name)
	}
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				_ = r.SetActive(names(Builtins())[(i+j)%3])
				_ = r.Active()
				_ = r.List()
			}
		}()
	}
	wg.Wait()
}
