package storyfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/storyvote/storyvote/internal/domain/story"
)

// Load reads every *.yaml, *.yml and *.json file in dir as a story graph and
// returns them as a library. Any unreadable or invalid file fails the load.
func Load(dir string) (*story.Memory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read stories dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	stories := make([]story.Story, 0, len(names))
	for _, name := range names {
		g, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[g.StoryID]; ok {
			return nil, fmt.Errorf("story %s defined in both %s and %s", g.StoryID, prev, name)
		}
		seen[g.StoryID] = name
		stories = append(stories, g)
	}
	return story.NewMemory(stories...), nil
}

// LoadFile parses a single story file. JSON is read through the YAML decoder.
func LoadFile(path string) (*story.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	g, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if g.StoryID == "" {
		g.StoryID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return g, nil
}

// Parse decodes a story graph. Page ids default to their key in the pages map.
func Parse(data []byte) (*story.Graph, error) {
	var g story.Graph
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode story: %w", err)
	}
	for key, p := range g.Pages {
		if p != nil && p.ID == "" {
			p.ID = key
		}
	}
	if g.Name == "" {
		g.Name = g.StoryID
	}
	return &g, nil
}
