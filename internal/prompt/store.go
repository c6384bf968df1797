// Package prompt holds the compiled-in prompt catalog and its runtime
// override cache.
//
// Defaults are embedded at build time and never change; administrative
// PATCH requests store replacement text in an in-memory cache that
// supersedes the default until the next reset. Resolution is name-based
// and returns the template role together with the effective text.
// Placeholders of the form {name} are substituted by callers, never by
// the store itself.
package prompt

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

//go:embed catalog.toml
var catalogTOML []byte

var (
	// ErrNotFound indicates the named prompt is not in the catalog.
	ErrNotFound = errors.New("prompt not found")
	// ErrInvalidCatalog indicates the embedded catalog failed validation.
	ErrInvalidCatalog = errors.New("invalid prompt catalog")
)

// Category classifies what a prompt is for.
type Category string

const (
	CategorySystem    Category = "system"
	CategoryContext   Category = "context"
	CategoryGrading   Category = "grading"
	CategoryRephrase  Category = "rephrase"
	CategoryDiscovery Category = "discovery"
	CategoryJudge     Category = "judge"
	CategoryTestbed   Category = "testbed"
	CategorySelectAI  Category = "selectai"
)

// Valid reports whether the category is a recognised value.
func (c Category) Valid() bool {
	switch c {
	case CategorySystem, CategoryContext, CategoryGrading, CategoryRephrase,
		CategoryDiscovery, CategoryJudge, CategoryTestbed, CategorySelectAI:
		return true
	}
	return false
}

// Role is the chat role attached to a resolved prompt.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is a recognised value.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Template is a named prompt. DefaultText is compiled in; OverrideText is
// populated from the override cache on reads and is empty otherwise.
type Template struct {
	Name        string   `toml:"name" json:"name"`
	Category    Category `toml:"category" json:"category"`
	Role        Role     `toml:"role" json:"role"`
	Title       string   `toml:"title" json:"title"`
	Description string   `toml:"description" json:"description"`
	Tags        []string `toml:"tags" json:"tags"`
	DefaultText string   `toml:"text" json:"default_text"`

	OverrideText string `toml:"-" json:"override_text,omitempty"`
}

// Effective returns the override when present, the default otherwise.
func (t Template) Effective() string {
	if t.OverrideText != "" {
		return t.OverrideText
	}
	return t.DefaultText
}

// Message is a resolved prompt ready to be placed in a conversation.
type Message struct {
	Role Role
	Text string
}

// Store resolves prompts by name with an override-first policy.
type Store struct {
	mu        sync.RWMutex
	templates map[string]Template
	order     []string
	overrides map[string]string
}

// NewStore parses the embedded catalog. Fails on duplicate names or
// unrecognised category/role values.
func NewStore() (*Store, error) {
	return newStoreFrom(catalogTOML)
}

func newStoreFrom(raw []byte) (*Store, error) {
	var doc struct {
		Prompts []Template `toml:"prompts"`
	}
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if len(doc.Prompts) == 0 {
		return nil, fmt.Errorf("%w: catalog is empty", ErrInvalidCatalog)
	}

	s := &Store{
		templates: make(map[string]Template, len(doc.Prompts)),
		order:     make([]string, 0, len(doc.Prompts)),
		overrides: make(map[string]string),
	}
	for _, t := range doc.Prompts {
		if t.Name == "" {
			return nil, fmt.Errorf("%w: prompt with empty name", ErrInvalidCatalog)
		}
		if !t.Category.Valid() {
			return nil, fmt.Errorf("%w: prompt %q has unknown category %q", ErrInvalidCatalog, t.Name, t.Category)
		}
		if !t.Role.Valid() {
			return nil, fmt.Errorf("%w: prompt %q has unknown role %q", ErrInvalidCatalog, t.Name, t.Role)
		}
		if strings.TrimSpace(t.DefaultText) == "" {
			return nil, fmt.Errorf("%w: prompt %q has empty text", ErrInvalidCatalog, t.Name)
		}
		if _, dup := s.templates[t.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate prompt name %q", ErrInvalidCatalog, t.Name)
		}
		t.DefaultText = strings.TrimSpace(t.DefaultText)
		s.templates[t.Name] = t
		s.order = append(s.order, t.Name)
	}
	return s, nil
}

// Get returns the template with any active override attached.
func (s *Store) Get(name string) (Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	t.OverrideText = s.overrides[name]
	return t, nil
}

// Resolve returns the effective prompt message for name: override text when
// one is cached, the compiled default otherwise.
func (s *Store) Resolve(name string) (Message, error) {
	t, err := s.Get(name)
	if err != nil {
		return Message{}, err
	}
	return Message{Role: t.Role, Text: t.Effective()}, nil
}

// SetOverride stores replacement text for the named prompt. Empty text
// clears any existing override for that name.
func (s *Store) SetOverride(name, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if strings.TrimSpace(text) == "" {
		delete(s.overrides, name)
		return nil
	}
	s.overrides[name] = text
	return nil
}

// ResetAll clears every override in one operation.
func (s *Store) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = make(map[string]string)
}

// List returns all templates in catalog order with overrides attached.
func (s *Store) List() []Template {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Template, 0, len(s.order))
	for _, name := range s.order {
		t := s.templates[name]
		t.OverrideText = s.overrides[name]
		out = append(out, t)
	}
	return out
}

// Names returns all prompt names in catalog order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Render substitutes {name} placeholders in text. Unknown placeholders are
// left intact so malformed templates surface in output rather than
// vanishing silently.
func Render(text string, vars map[string]string) string {
	if len(vars) == 0 {
		return text
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
