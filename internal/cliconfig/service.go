// Package cliconfig implements the config and doctor subcommands on top of
// the config file.
package cliconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/KafClaw/sysagent/internal/config"
)

// segment is one step of a dotted path: either an object key or an array
// index ("agent.whitelist[1]").
type segment struct {
	key   string
	index int
	isIdx bool
}

// secretKeys are masked by Show.
var secretKeys = map[string]struct{}{
	"apiKey":     {},
	"botToken":   {},
	"appToken":   {},
	"authToken":  {},
	"httpApiKey": {},
}

// Get returns the effective value at path after file, env and defaults
// are merged.
func Get(path string) (any, error) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	tree, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	val, ok := lookup(tree, segs)
	if !ok {
		return nil, fmt.Errorf("path not found: %s", path)
	}
	return val, nil
}

// Show returns the effective configuration with secrets masked.
func Show() (map[string]any, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	tree, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	mask(tree)
	return tree, nil
}

// Set writes raw (JSON, or a plain string when it does not parse) at path
// in the config file. The file is left untouched when the result would not
// validate.
func Set(path, raw string) error {
	segs, err := parsePath(path)
	if err != nil {
		return err
	}
	doc, err := openDocument()
	if err != nil {
		return err
	}
	root, ok := assign(doc.tree, segs, parseValue(raw)).(map[string]any)
	if !ok {
		return fmt.Errorf("invalid config root after set")
	}
	doc.tree = root
	if err := doc.validate(); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return doc.save()
}

// Unset removes path from the config file so the default or env value
// applies again.
func Unset(path string) error {
	segs, err := parsePath(path)
	if err != nil {
		return err
	}
	doc, err := openDocument()
	if err != nil {
		return err
	}
	next, removed := remove(doc.tree, segs)
	if !removed {
		return fmt.Errorf("path not found: %s", path)
	}
	root, ok := next.(map[string]any)
	if !ok {
		return fmt.Errorf("invalid config root after unset")
	}
	doc.tree = root
	return doc.save()
}

// Init writes the default configuration when no config file exists yet and
// returns its path. With force an existing file is replaced.
func Init(force bool) (string, error) {
	path, err := config.ConfigPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil && !force {
		return path, fmt.Errorf("config already exists at %s", path)
	}
	return path, config.Save(config.DefaultConfig())
}

// document is the raw JSON object stored in the config file.
type document struct {
	path string
	tree map[string]any
}

func openDocument() (*document, error) {
	path, err := config.ConfigPath()
	if err != nil {
		return nil, err
	}
	doc := &document{path: path, tree: map[string]any{}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &doc.tree); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.tree == nil {
		doc.tree = map[string]any{}
	}
	return doc, nil
}

// validate decodes the document over the defaults. Unknown keys are
// allowed; type mismatches and invalid values are not.
func (d *document) validate() error {
	data, err := json.Marshal(d.tree)
	if err != nil {
		return err
	}
	cfg := config.DefaultConfig()
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(cfg); err != nil {
		return err
	}
	return cfg.Validate()
}

func (d *document) save() error {
	if err := os.MkdirAll(filepath.Dir(d.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(d.tree, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(d.path, data, 0o600)
}

func toTree(cfg *config.Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func mask(node any) {
	switch t := node.(type) {
	case map[string]any:
		for k, v := range t {
			if _, secret := secretKeys[k]; secret {
				if s, ok := v.(string); ok && s != "" {
					t[k] = "********"
				}
				continue
			}
			mask(v)
		}
	case []any:
		for _, v := range t {
			mask(v)
		}
	}
}

func parsePath(path string) ([]segment, error) {
	s := strings.TrimSpace(path)
	var out []segment
	for i := 0; i < len(s); {
		switch s[i] {
		case '.':
			i++
		case '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("invalid path: missing closing ] in %q", path)
			}
			raw := strings.TrimSpace(s[i+1 : i+end])
			idx, err := strconv.Atoi(raw)
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("invalid array index %q in %q", raw, path)
			}
			out = append(out, segment{index: idx, isIdx: true})
			i += end + 1
		default:
			start := i
			for i < len(s) && s[i] != '.' && s[i] != '[' {
				i++
			}
			if k := strings.TrimSpace(s[start:i]); k != "" {
				out = append(out, segment{key: k})
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("path is empty")
	}
	return out, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func lookup(node any, segs []segment) (any, bool) {
	for _, seg := range segs {
		if seg.isIdx {
			arr, ok := node.([]any)
			if !ok || seg.index >= len(arr) {
				return nil, false
			}
			node = arr[seg.index]
			continue
		}
		obj, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		if node, ok = obj[seg.key]; !ok {
			return nil, false
		}
	}
	return node, true
}

// assign returns node with value stored at segs, creating intermediate
// objects and growing arrays as needed.
func assign(node any, segs []segment, value any) any {
	if len(segs) == 0 {
		return value
	}
	seg := segs[0]
	if seg.isIdx {
		arr, _ := node.([]any)
		for len(arr) <= seg.index {
			arr = append(arr, nil)
		}
		arr[seg.index] = assign(arr[seg.index], segs[1:], value)
		return arr
	}
	obj, ok := node.(map[string]any)
	if !ok {
		obj = map[string]any{}
	}
	obj[seg.key] = assign(obj[seg.key], segs[1:], value)
	return obj
}

// remove returns node without the value at segs and whether anything was
// removed.
func remove(node any, segs []segment) (any, bool) {
	seg := segs[0]
	last := len(segs) == 1
	if seg.isIdx {
		arr, ok := node.([]any)
		if !ok || seg.index >= len(arr) {
			return node, false
		}
		if last {
			return append(arr[:seg.index], arr[seg.index+1:]...), true
		}
		child, ok := remove(arr[seg.index], segs[1:])
		if !ok {
			return node, false
		}
		arr[seg.index] = child
		return arr, true
	}
	obj, ok := node.(map[string]any)
	if !ok {
		return node, false
	}
	child, exists := obj[seg.key]
	if !exists {
		return node, false
	}
	if last {
		delete(obj, seg.key)
		return obj, true
	}
	child, ok = remove(child, segs[1:])
	if !ok {
		return node, false
	}
	obj[seg.key] = child
	return obj, true
}
