// Package skills discovers SKILL.md instruction files under the skills
// directory and loads them on demand.
package skills

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrSkillNotFound is returned by Load for an unknown skill name.
var ErrSkillNotFound = errors.New("skill not found")

// Summary is the short form listed in the system prompt.
type Summary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Skill is a fully loaded skill.
type Skill struct {
	Name         string `json:"name"`
	Dir          string `json:"skill_dir"`
	Description  string `json:"description"`
	Instructions string `json:"instructions"`
}

// Frontmatter holds the fields read from a SKILL.md header.
type Frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Loader reads <dir>/*/SKILL.md.
type Loader struct {
	dir   string
	mu    sync.Mutex
	cache map[string]*Skill
}

// NewLoader creates a loader rooted at dir.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir, cache: make(map[string]*Skill)}
}

// Dir returns the skills directory.
func (l *Loader) Dir() string { return l.dir }

// Discover lists every parseable skill, sorted by name. Files that fail to
// parse are logged and skipped.
func (l *Loader) Discover() []Summary {
	files, err := l.skillFiles()
	if err != nil {
		slog.Warn("Skills directory unreadable", "dir", l.dir, "error", err)
		return nil
	}
	var out []Summary
	for _, path := range files {
		fm, _, err := readSkillFile(path)
		if err != nil {
			slog.Error("Failed to parse skill", "path", path, "error", err)
			continue
		}
		if fm.Name == "" {
			continue
		}
		out = append(out, Summary{Name: fm.Name, Description: fm.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Load returns the full skill with the given frontmatter name.
func (l *Loader) Load(name string) (*Skill, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.cache[name]; ok {
		return s, nil
	}

	files, err := l.skillFiles()
	if err != nil {
		return nil, err
	}
	for _, path := range files {
		fm, content, err := readSkillFile(path)
		if err != nil {
			slog.Error("Failed to load skill", "path", path, "error", err)
			continue
		}
		if fm.Name != name {
			continue
		}
		s := &Skill{
			Name:         fm.Name,
			Dir:          filepath.Dir(path),
			Description:  fm.Description,
			Instructions: string(content),
		}
		l.cache[name] = s
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, name)
}

func (l *Loader) skillFiles() ([]string, error) {
	if _, err := os.Stat(l.dir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	files, err := filepath.Glob(filepath.Join(l.dir, "*", "SKILL.md"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func readSkillFile(path string) (Frontmatter, []byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Frontmatter{}, nil, err
	}
	fm, err := ParseFrontmatter(content)
	return fm, content, err
}

// ParseFrontmatter decodes the leading "---" delimited YAML block. A file
// without frontmatter yields an empty result and no error.
func ParseFrontmatter(content []byte) (Frontmatter, error) {
	var fm Frontmatter
	content = bytes.TrimPrefix(content, []byte("\ufeff"))
	if !bytes.HasPrefix(content, []byte("---")) {
		return fm, nil
	}
	rest := content[3:]
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 {
		return fm, nil
	}
	rest = rest[nl+1:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		if bytes.HasPrefix(rest, []byte("---")) {
			return fm, nil
		}
		return fm, errors.New("unterminated frontmatter")
	}
	if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
		return fm, fmt.Errorf("frontmatter: %w", err)
	}
	return fm, nil
}
