package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Files seeded into a fresh workspace. Existing files are never touched.
var workspaceSeeds = map[string]string{
	"CONTEXT.md": "# Context\n\nLong-lived notes about this machine and your ongoing work.\n",
	"TODO.md":    "# TODO\n\n",
}

// EnsureWorkspace creates the workspace layout (journal, tmp, skills) and
// git-initializes it on a best-effort basis. It returns a warning when git
// is unavailable or init fails.
func EnsureWorkspace(path, skillsDir string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("workspace path is empty")
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", err
	}
	_ = os.MkdirAll(filepath.Join(path, "journal"), 0755)
	_ = os.MkdirAll(filepath.Join(path, "tmp"), 0755)
	if skillsDir != "" {
		_ = os.MkdirAll(skillsDir, 0755)
	}
	for name, content := range workspaceSeeds {
		p := filepath.Join(path, name)
		if _, err := os.Stat(p); err == nil {
			continue
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			return "", err
		}
	}

	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		return "", nil
	}
	if _, err := exec.LookPath("git"); err != nil {
		return "git not found; workspace created without history", nil
	}
	cmd := exec.Command("git", "init")
	cmd.Dir = path
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Sprintf("git init failed: %v (%s)", err, string(out)), nil
	}
	return "", nil
}
