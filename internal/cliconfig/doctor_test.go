package cliconfig

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func stubLookPath(t *testing.T, found bool) {
	t.Helper()
	orig := lookPath
	lookPath = func(name string) (string, error) {
		if found {
			return "/usr/bin/" + name, nil
		}
		return "", errors.New("not found")
	}
	t.Cleanup(func() { lookPath = orig })
}

func findCheck(r DoctorReport, name string) (DoctorCheck, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return DoctorCheck{}, false
}

func TestRunDoctorWithMissingConfigWarnsNoFailure(t *testing.T) {
	useHome(t)
	stubLookPath(t, true)

	report, err := RunDoctor()
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if report.HasFailures() {
		t.Fatalf("expected no failures with missing config, got %#v", report)
	}
	if c, _ := findCheck(report, "config_file"); c.Status != DoctorWarn {
		t.Fatalf("expected config_file warning, got %#v", c)
	}
}

func TestRunDoctorWithInvalidConfigFails(t *testing.T) {
	home := useHome(t)
	writeConfig(t, home, `{"model":`)

	report, err := RunDoctor()
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if !report.HasFailures() {
		t.Fatalf("expected failures for invalid config, got %#v", report)
	}
}

func TestRunDoctorMissingRuntimeFails(t *testing.T) {
	home := useHome(t)
	writeConfig(t, home, `{"container":{"runtime":"docker"}}`)
	stubLookPath(t, false)

	report, _ := RunDoctor()
	c, ok := findCheck(report, "container_runtime")
	if !ok || c.Status != DoctorFail || !strings.Contains(c.Message, "docker") {
		t.Fatalf("expected docker lookup failure, got %#v", c)
	}
}

func TestRunDoctorLocalRuntimeWarns(t *testing.T) {
	home := useHome(t)
	writeConfig(t, home, `{"container":{"runtime":"local"}}`)
	stubLookPath(t, false)

	report, _ := RunDoctor()
	if c, _ := findCheck(report, "container_runtime"); c.Status != DoctorWarn {
		t.Fatalf("expected warning for host execution, got %#v", c)
	}
}

func TestRunDoctorChannelChecks(t *testing.T) {
	home := useHome(t)
	writeConfig(t, home, `{"channels":{"default":"slack:C1","slack":{"enabled":false}}}`)
	stubLookPath(t, true)

	report, _ := RunDoctor()
	if c, _ := findCheck(report, "default_channel"); c.Status != DoctorFail {
		t.Fatalf("slack default without slack enabled should fail, got %#v", c)
	}

	writeConfig(t, home, `{"channels":{"default":"slack:C1","slack":{"enabled":true}}}`)
	report, _ = RunDoctor()
	if c, _ := findCheck(report, "slack"); c.Status != DoctorFail {
		t.Fatalf("slack without token should fail, got %#v", c)
	}
	if c, _ := findCheck(report, "slack_inbound"); c.Status != DoctorWarn {
		t.Fatalf("slack without app token should warn, got %#v", c)
	}

	writeConfig(t, home, `{"channels":{"default":"slack:C1","slack":{"enabled":true,"botToken":"xoxb-1","appToken":"xoxb-wrong"}}}`)
	report, _ = RunDoctor()
	if c, _ := findCheck(report, "slack_inbound"); c.Status != DoctorFail {
		t.Fatalf("bot token used as app token should fail, got %#v", c)
	}

	writeConfig(t, home, `{"channels":{"default":"slack:C1","slack":{"enabled":true,"botToken":"xoxb-1","appToken":"xapp-1"}}}`)
	report, _ = RunDoctor()
	if c, _ := findCheck(report, "slack_inbound"); c.Status != DoctorPass {
		t.Fatalf("app token should pass, got %#v", c)
	}
}

func TestRunDoctorGatewayWithoutTokenWarns(t *testing.T) {
	home := useHome(t)
	writeConfig(t, home, `{"gateway":{"host":"0.0.0.0","authToken":""}}`)
	stubLookPath(t, true)

	report, _ := RunDoctor()
	if c, _ := findCheck(report, "gateway"); c.Status != DoctorWarn {
		t.Fatalf("expected warning for unauthenticated public API, got %#v", c)
	}
}

func TestDoctorGenerateGatewayToken(t *testing.T) {
	home := useHome(t)
	path := writeConfig(t, home, `{"gateway":{"host":"127.0.0.1","authToken":""}}`)
	stubLookPath(t, true)

	report, err := RunDoctorWithOptions(DoctorOptions{GenerateGatewayToken: true})
	if err != nil {
		t.Fatalf("run doctor: %v", err)
	}
	if report.HasFailures() {
		t.Fatalf("expected no failures, got %#v", report)
	}
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), `"authToken": ""`) {
		t.Fatalf("expected generated auth token, got: %s", data)
	}
}

func TestDoctorFixCreatesDirectories(t *testing.T) {
	home := useHome(t)
	ws := filepath.Join(home, "ws")
	writeConfig(t, home, `{"paths":{"workspace":"`+ws+`","skills":"`+filepath.Join(ws, ".skills")+`","data":"`+filepath.Join(home, "data")+`"}}`)
	stubLookPath(t, true)

	report, err := RunDoctorWithOptions(DoctorOptions{Fix: true})
	if err != nil {
		t.Fatalf("run doctor --fix: %v", err)
	}
	for _, name := range []string{"workspace", "data_dir"} {
		if c, _ := findCheck(report, name); c.Status != DoctorPass {
			t.Fatalf("%s: expected pass after fix, got %#v", name, c)
		}
	}
	if _, err := os.Stat(filepath.Join(ws, "CONTEXT.md")); err != nil {
		t.Fatalf("workspace not seeded: %v", err)
	}
}

func TestIsLoopbackHost(t *testing.T) {
	for host, want := range map[string]bool{
		"localhost": true,
		"127.0.0.1": true,
		"::1":       true,
		"0.0.0.0":   false,
		"":          false,
		"10.0.0.5":  false,
	} {
		if got := isLoopbackHost(host); got != want {
			t.Errorf("isLoopbackHost(%q) = %v", host, got)
		}
	}
}
