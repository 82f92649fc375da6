package skills

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed manifest.yaml *.md
var embedded embed.FS

// LoadManifest parses the embedded manifest YAML.
func LoadManifest() (*Manifest, error) {
	raw, err := embedded.ReadFile("manifest.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read skills manifest: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse skills manifest: %w", err)
	}
	sort.SliceStable(manifest.Skills, func(i, j int) bool {
		return manifest.Skills[i].Priority < manifest.Skills[j].Priority
	})
	return &manifest, nil
}

// Library resolves skill text. A file at <dir>/skills/<name>.md overrides the
// embedded copy. Resolved text is cached for the lifetime of the Library.
type Library struct {
	dir      string
	manifest *Manifest

	mu    sync.Mutex
	cache map[string]string
}

// NewLibrary returns a Library rooted at dir. An empty dir uses embedded
// skills only.
func NewLibrary(dir string) (*Library, error) {
	manifest, err := LoadManifest()
	if err != nil {
		return nil, err
	}
	return &Library{dir: dir, manifest: manifest, cache: make(map[string]string)}, nil
}

// Dir returns the override root.
func (l *Library) Dir() string { return l.dir }

// Names returns skill names in priority order.
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.manifest.Skills))
	for _, e := range l.manifest.Skills {
		names = append(names, e.Name)
	}
	return names
}

// Load returns the trimmed guidance text for name.
func (l *Library) Load(name string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if text, ok := l.cache[name]; ok {
		return text, nil
	}
	entry, ok := l.entry(name)
	if !ok {
		return "", fmt.Errorf("unknown skill %q", name)
	}
	text, err := l.read(entry)
	if err != nil {
		return "", err
	}
	l.cache[name] = text
	return text, nil
}

func (l *Library) entry(name string) (Entry, bool) {
	for _, e := range l.manifest.Skills {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

func (l *Library) read(entry Entry) (string, error) {
	if l.dir != "" {
		path := filepath.Join(l.dir, "skills", entry.Name+".md")
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			return strings.TrimSpace(string(raw)), nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("failed to read skill %q: %w", entry.Name, err)
		}
	}
	raw, err := embedded.ReadFile(entry.File)
	if err != nil {
		return "", fmt.Errorf("skill file %q not found for skill %q: %w", entry.File, entry.Name, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// Skills loads every skill in priority order.
func (l *Library) Skills() ([]Skill, error) {
	out := make([]Skill, 0, len(l.manifest.Skills))
	for _, e := range l.manifest.Skills {
		text, err := l.Load(e.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, Skill{Entry: e, Content: text})
	}
	return out, nil
}

// MergeInstructions appends skill guidance to a base system prompt.
func MergeInstructions(base, skill string) string {
	return strings.TrimSpace(strings.TrimSpace(base) + "\n\n---\nSkill Guidance:\n" + skill)
}
