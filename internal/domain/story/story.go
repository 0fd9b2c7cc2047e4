package story

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrStoryNotFound = errors.New("story not found")
	ErrPageNotFound  = errors.New("page not found")
)

// Choice is one selectable action on a page.
type Choice struct {
	Text      string         `json:"text" yaml:"text"`
	Target    string         `json:"target" yaml:"target"`
	Condition string         `json:"condition,omitempty" yaml:"condition,omitempty"`
	Set       map[string]any `json:"set,omitempty" yaml:"set,omitempty"`
}

// Page is a node of the narrative graph. A page without choices is terminal.
type Page struct {
	ID      string   `json:"id" yaml:"id"`
	Text    string   `json:"text" yaml:"text"`
	Choices []Choice `json:"choices,omitempty" yaml:"choices,omitempty"`
}

// Story is the narrative graph a session plays through.
type Story interface {
	ID() string
	Title() string
	StartPageID() string
	InitialFlags() map[string]any
	Page(id string) (*Page, error)
}

// Summary describes a story for listings.
type Summary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Pages int    `json:"pages"`
}

// Library resolves stories by id.
type Library interface {
	Get(id string) (Story, error)
	List() []Summary
}

// Graph is an in-memory story.
type Graph struct {
	StoryID string           `json:"id" yaml:"id"`
	Name    string           `json:"title" yaml:"title"`
	Start   string           `json:"start" yaml:"start"`
	Flags   map[string]any   `json:"flags,omitempty" yaml:"flags,omitempty"`
	Pages   map[string]*Page `json:"pages" yaml:"pages"`
}

func (g *Graph) ID() string          { return g.StoryID }
func (g *Graph) Title() string       { return g.Name }
func (g *Graph) StartPageID() string { return g.Start }

func (g *Graph) InitialFlags() map[string]any {
	out := make(map[string]any, len(g.Flags))
	for k, v := range g.Flags {
		out[k] = v
	}
	return out
}

func (g *Graph) Page(id string) (*Page, error) {
	p, ok := g.Pages[id]
	if !ok || p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPageNotFound, id)
	}
	return p, nil
}

// Validate checks that the graph is playable: it has an id, the start page
// exists, every choice points at an existing page and every condition parses.
func (g *Graph) Validate() error {
	if strings.TrimSpace(g.StoryID) == "" {
		return errors.New("story id is required")
	}
	if len(g.Pages) == 0 {
		return fmt.Errorf("story %s has no pages", g.StoryID)
	}
	if _, ok := g.Pages[g.Start]; !ok {
		return fmt.Errorf("story %s: start page %q not found", g.StoryID, g.Start)
	}
	for id, p := range g.Pages {
		if p == nil {
			return fmt.Errorf("story %s: page %q is empty", g.StoryID, id)
		}
		for i, c := range p.Choices {
			if _, ok := g.Pages[c.Target]; !ok {
				return fmt.Errorf("story %s: page %q choice %d targets unknown page %q", g.StoryID, id, i, c.Target)
			}
			if err := ValidateCondition(c.Condition); err != nil {
				return fmt.Errorf("story %s: page %q choice %d: %w", g.StoryID, id, i, err)
			}
		}
	}
	return nil
}

// Memory is a Library backed by a map.
type Memory struct {
	stories map[string]Story
}

func NewMemory(stories ...Story) *Memory {
	m := &Memory{stories: make(map[string]Story, len(stories))}
	for _, s := range stories {
		m.stories[s.ID()] = s
	}
	return m
}

func (m *Memory) Get(id string) (Story, error) {
	s, ok := m.stories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStoryNotFound, id)
	}
	return s, nil
}

func (m *Memory) List() []Summary {
	out := make([]Summary, 0, len(m.stories))
	for _, s := range m.stories {
		sum := Summary{ID: s.ID(), Title: s.Title()}
		if g, ok := s.(*Graph); ok {
			sum.Pages = len(g.Pages)
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
