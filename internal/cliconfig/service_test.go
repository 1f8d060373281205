package cliconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func useHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SYSAGENT_HOME", "")
	t.Setenv("SYSAGENT_CONFIG", "")
	t.Setenv("SYSAGENT_ENV_FILE", filepath.Join(home, "missing.env"))
	return home
}

func writeConfig(t *testing.T, home, body string) string {
	t.Helper()
	dir := filepath.Join(home, ".sysagent")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParsePath(t *testing.T) {
	segs, err := parsePath(" agent.whitelist[1] ")
	if err != nil {
		t.Fatalf("parse path: %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segs))
	}
	if segs[0].key != "agent" || segs[1].key != "whitelist" || !segs[2].isIdx || segs[2].index != 1 {
		t.Fatalf("unexpected segments: %#v", segs)
	}

	for _, bad := range []string{"", " . ", "a[nope]", "a[1", "a[-1]"} {
		if _, err := parsePath(bad); err == nil {
			t.Errorf("expected parse error for %q", bad)
		}
	}
}

func TestParseValue(t *testing.T) {
	if n, ok := parseValue("123").(float64); !ok || n != 123 {
		t.Fatalf("expected numeric JSON parse")
	}
	if b, ok := parseValue("true").(bool); !ok || !b {
		t.Fatalf("expected bool JSON parse")
	}
	if s, ok := parseValue("gpt-4o").(string); !ok || s != "gpt-4o" {
		t.Fatalf("expected plain string fallback")
	}
}

func TestAssignLookupRemove(t *testing.T) {
	segs, _ := parsePath("a.b[2].c")
	root := assign(map[string]any{}, segs, 42)

	v, ok := lookup(root, segs)
	if !ok || v.(int) != 42 {
		t.Fatalf("expected nested indexed value, got %#v ok=%v", v, ok)
	}
	if arr := root.(map[string]any)["a"].(map[string]any)["b"].([]any); len(arr) != 3 {
		t.Fatalf("array should grow to index, got len %d", len(arr))
	}

	root, removed := remove(root, segs)
	if !removed {
		t.Fatal("expected removal")
	}
	if _, ok := lookup(root, segs); ok {
		t.Fatal("expected key removed")
	}
	if _, removed := remove(root, segs); removed {
		t.Fatal("second removal should report nothing removed")
	}
}

func TestSetGetUnsetRoundTrip(t *testing.T) {
	home := useHome(t)
	path := writeConfig(t, home, `{"gateway":{"port":9000},"custom":{"keep":true}}`)

	if err := Set("gateway.port", "9100"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := Get("gateway.port")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.(float64) != 9100 {
		t.Fatalf("expected 9100, got %#v", got)
	}

	if err := Set("agent.whitelist[0]", "read_file"); err != nil {
		t.Fatalf("set indexed: %v", err)
	}
	got, _ = Get("agent.whitelist[0]")
	if got != "read_file" {
		t.Fatalf("expected read_file, got %#v", got)
	}

	if err := Unset("gateway.port"); err != nil {
		t.Fatalf("unset: %v", err)
	}
	got, _ = Get("gateway.port")
	if got.(float64) != 8000 {
		t.Fatalf("expected default port after unset, got %#v", got)
	}
	if err := Unset("gateway.port"); err == nil {
		t.Fatal("expected error for missing path")
	}

	data, _ := os.ReadFile(path)
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("config not valid JSON: %v", err)
	}
	if _, ok := raw["custom"]; !ok {
		t.Fatalf("unrelated keys should survive: %s", data)
	}
}

func TestSetRejectsInvalidValues(t *testing.T) {
	home := useHome(t)
	path := writeConfig(t, home, `{"container":{"runtime":"docker"}}`)

	if err := Set("container.runtime", "lxc"); err == nil {
		t.Fatal("expected validation error")
	}
	if err := Set("gateway.port", `"not-a-number"`); err == nil {
		t.Fatal("expected type error")
	}
	data, _ := os.ReadFile(path)
	if string(data) != `{"container":{"runtime":"docker"}}` {
		t.Fatalf("config must be untouched after a rejected set, got %s", data)
	}
}

func TestShowMasksSecrets(t *testing.T) {
	home := useHome(t)
	writeConfig(t, home, `{"model":{"apiKey":"sk-secret"},"gateway":{"authToken":""}}`)

	tree, err := Show()
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	model := tree["model"].(map[string]any)
	if model["apiKey"] != "********" {
		t.Fatalf("api key not masked: %#v", model["apiKey"])
	}
	if tree["gateway"].(map[string]any)["authToken"] != "" {
		t.Fatal("empty secrets stay empty")
	}
}

func TestInit(t *testing.T) {
	home := useHome(t)

	path, err := Init(false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if path != filepath.Join(home, ".sysagent", "config.json") {
		t.Fatalf("unexpected path %s", path)
	}
	if _, err := Init(false); err == nil {
		t.Fatal("expected error when config exists")
	}
	if _, err := Init(true); err != nil {
		t.Fatalf("forced init: %v", err)
	}
}
