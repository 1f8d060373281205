package config

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// EnvFile records which variables an env file contributed to the process.
type EnvFile struct {
	Path    string
	Applied []string
}

type envEntry struct {
	key   string
	value string
}

// EnvFileCandidates lists the env files Load consults, in order:
// SYSAGENT_ENV_FILE, ./.env and <home>/.sysagent/env.
func EnvFileCandidates() []string {
	var out []string
	if explicit := strings.TrimSpace(os.Getenv("SYSAGENT_ENV_FILE")); explicit != "" {
		out = append(out, ExpandHome(explicit))
	}
	out = append(out, ".env")
	if home, err := resolveHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ConfigDir, "env"))
	}
	return out
}

// LoadEnvFileCandidates applies every readable candidate. A variable the
// process already has is left alone, so an earlier file wins over a later
// one and the real environment wins over all of them.
func LoadEnvFileCandidates() []EnvFile {
	var loaded []EnvFile
	seen := map[string]bool{}
	for _, p := range EnvFileCandidates() {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		applied, err := applyEnvFile(abs)
		if err != nil {
			continue
		}
		loaded = append(loaded, EnvFile{Path: abs, Applied: applied})
	}
	return loaded
}

func applyEnvFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := parseEnv(f)
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, e := range entries {
		if _, exists := os.LookupEnv(e.key); exists {
			continue
		}
		if err := os.Setenv(e.key, e.value); err == nil {
			applied = append(applied, e.key)
		}
	}
	return applied, nil
}

// parseEnv reads KEY=VALUE lines in dotenv syntax. Lines that are not
// assignments are skipped.
func parseEnv(r io.Reader) ([]envEntry, error) {
	var out []envEntry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, raw, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || !validEnvKey(key) {
			continue
		}
		out = append(out, envEntry{key: key, value: envValue(strings.TrimSpace(raw))})
	}
	return out, sc.Err()
}

// envValue unquotes a raw value. Double quotes honour Go escapes, single
// quotes are literal, and an unquoted value ends at " #".
func envValue(raw string) string {
	if len(raw) >= 2 {
		switch {
		case raw[0] == '"' && raw[len(raw)-1] == '"':
			if v, err := strconv.Unquote(raw); err == nil {
				return v
			}
			return raw[1 : len(raw)-1]
		case raw[0] == '\'' && raw[len(raw)-1] == '\'':
			return raw[1 : len(raw)-1]
		}
	}
	if i := strings.Index(raw, " #"); i >= 0 {
		raw = strings.TrimSpace(raw[:i])
	}
	return raw
}

func validEnvKey(k string) bool {
	if k == "" {
		return false
	}
	for i, c := range k {
		switch {
		case c == '_', c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
