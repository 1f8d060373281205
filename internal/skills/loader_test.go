package skills

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSkill(t *testing.T, root, dir, body string) string {
	t.Helper()
	skillDir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(skillDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(body), 0o644))
	return skillDir
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "report", "---\nname: report-styler\ndescription: \"Format reports\"\n---\n\n# Report\n")
	writeSkill(t, root, "alpha", "---\nname: alpha\ndescription: first\n---\n")
	writeSkill(t, root, "noname", "# no frontmatter\n")
	writeSkill(t, root, "broken", "---\nname: [unclosed\n---\n")

	got := NewLoader(root).Discover()
	assert.Equal(t, []Summary{
		{Name: "alpha", Description: "first"},
		{Name: "report-styler", Description: "Format reports"},
	}, got)
}

func TestDiscoverMissingDir(t *testing.T) {
	assert.Empty(t, NewLoader(filepath.Join(t.TempDir(), "absent")).Discover())
}

func TestLoad(t *testing.T) {
	root := t.TempDir()
	body := "---\nname: deploy\ndescription: ship it\n---\n\nRun make deploy.\n"
	dir := writeSkill(t, root, "deploy-skill", body)

	l := NewLoader(root)
	s, err := l.Load("deploy")
	require.NoError(t, err)
	assert.Equal(t, "deploy", s.Name)
	assert.Equal(t, dir, s.Dir)
	assert.Equal(t, "ship it", s.Description)
	assert.Equal(t, body, s.Instructions)

	// Cached: removing the file does not affect a loaded skill.
	require.NoError(t, os.RemoveAll(dir))
	again, err := l.Load("deploy")
	require.NoError(t, err)
	assert.Same(t, s, again)

	_, err = l.Load("missing")
	assert.True(t, errors.Is(err, ErrSkillNotFound))
}

func TestParseFrontmatter(t *testing.T) {
	fm, err := ParseFrontmatter([]byte("---\nname: x\ndescription: multi word value\nextra: ignored\n---\nbody"))
	require.NoError(t, err)
	assert.Equal(t, "x", fm.Name)
	assert.Equal(t, "multi word value", fm.Description)

	fm, err = ParseFrontmatter([]byte("no header"))
	require.NoError(t, err)
	assert.Empty(t, fm.Name)

	_, err = ParseFrontmatter([]byte("---\nname: x\n"))
	assert.Error(t, err)
}
