package botai

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"
)

//go:embed personas/*.txt
var embeddedPersonas embed.FS

// PersonaID identifies an instruction profile. It's the profile's
// file name, without the .txt extension.
type PersonaID string

// Persona is a named instruction profile used to build the system
// prompt
type Persona struct {
	ID   PersonaID
	Text string
}

// DisplayName is the title-cased persona ID, used as the name of
// assistant turns
func (p Persona) DisplayName() string {
	return titleCase(string(p.ID))
}

// PersonaSet is the set of loaded personas. It is read-only after
// LoadPersonas returns.
type PersonaSet struct {
	personas map[PersonaID]Persona
}

// LoadPersonas loads the built-in personas, then any *.txt files in
// dir, which override built-ins with the same ID. dir may be empty.
func LoadPersonas(dir string) (*PersonaSet, error) {
	ps := &PersonaSet{personas: map[PersonaID]Persona{}}

	sub, err := fs.Sub(embeddedPersonas, "personas")
	if err != nil {
		return nil, err
	}
	if err = ps.loadFS(sub); err != nil {
		return nil, fmt.Errorf("error loading built-in personas: %w", err)
	}

	if dir != "" {
		if err = ps.loadFS(os.DirFS(dir)); err != nil {
			return nil, fmt.Errorf("error loading personas from %q: %w", dir, err)
		}
	}
	return ps, nil
}

func (s *PersonaSet) loadFS(fsys fs.FS) error {
	matches, err := fs.Glob(fsys, "*.txt")
	if err != nil {
		return err
	}
	for _, name := range matches {
		data, readErr := fs.ReadFile(fsys, name)
		if readErr != nil {
			return readErr
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			return fmt.Errorf("persona %q is empty", name)
		}
		id := PersonaID(strings.TrimSuffix(path.Base(name), ".txt"))
		s.personas[id] = Persona{ID: id, Text: text}
	}
	return nil
}

// Get returns the persona with the given ID, or ErrUnknownPersona
func (s *PersonaSet) Get(id string) (Persona, error) {
	p, ok := s.personas[PersonaID(id)]
	if !ok {
		return Persona{}, fmt.Errorf("%w: %q", ErrUnknownPersona, id)
	}
	return p, nil
}

func (s *PersonaSet) Has(id string) bool {
	_, ok := s.personas[PersonaID(id)]
	return ok
}

// IDs returns the loaded persona IDs, sorted
func (s *PersonaSet) IDs() []PersonaID {
	ids := make([]PersonaID, 0, len(s.personas))
	for id := range s.personas {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Choices returns the personas as slash command choices, labeled by
// display name
func (s *PersonaSet) Choices() (ChoiceSet[PersonaID], error) {
	ids := s.IDs()
	choices := make([]Choice[PersonaID], len(ids))
	for i, id := range ids {
		choices[i] = Choice[PersonaID]{
			Label: s.personas[id].DisplayName(),
			Value: id,
		}
	}
	return NewChoiceSet("persona", choices...)
}
