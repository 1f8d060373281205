package cliconfig

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"github.com/KafClaw/sysagent/internal/channels"
	"github.com/KafClaw/sysagent/internal/config"
)

type DoctorStatus string

const (
	DoctorPass DoctorStatus = "pass"
	DoctorWarn DoctorStatus = "warn"
	DoctorFail DoctorStatus = "fail"
)

type DoctorCheck struct {
	Name    string
	Status  DoctorStatus
	Message string
}

type DoctorReport struct {
	Checks []DoctorCheck
}

type DoctorOptions struct {
	// Fix creates the workspace and data directories when missing.
	Fix                  bool
	GenerateGatewayToken bool
}

// lookPath is replaced in tests.
var lookPath = exec.LookPath

func (r DoctorReport) HasFailures() bool {
	for _, c := range r.Checks {
		if c.Status == DoctorFail {
			return true
		}
	}
	return false
}

func (r *DoctorReport) add(name string, status DoctorStatus, format string, args ...any) {
	r.Checks = append(r.Checks, DoctorCheck{Name: name, Status: status, Message: fmt.Sprintf(format, args...)})
}

func RunDoctor() (DoctorReport, error) {
	return RunDoctorWithOptions(DoctorOptions{})
}

func RunDoctorWithOptions(opts DoctorOptions) (DoctorReport, error) {
	report := DoctorReport{Checks: make([]DoctorCheck, 0, 12)}

	cfgPath, err := config.ConfigPath()
	if err != nil {
		report.add("config_path", DoctorFail, "cannot resolve config path: %v", err)
		return report, nil
	}
	switch _, err := os.Stat(cfgPath); {
	case err == nil:
		report.add("config_file", DoctorPass, "config file found at %s", cfgPath)
	case os.IsNotExist(err):
		report.add("config_file", DoctorWarn, "config file not found at %s (defaults will be used)", cfgPath)
	default:
		report.add("config_file", DoctorFail, "cannot access config file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		report.add("config_load", DoctorFail, "config load failed: %v", err)
		return report, nil
	}
	report.add("config_load", DoctorPass, "config loaded successfully")

	if opts.GenerateGatewayToken {
		token, err := randomToken()
		if err == nil {
			err = Set("gateway.authToken", token)
		}
		if err != nil {
			report.add("gateway_token", DoctorFail, "failed to generate gateway token: %v", err)
		} else {
			cfg.Gateway.AuthToken = token
			report.add("gateway_token", DoctorPass, "generated and saved gateway auth token")
		}
	}

	checkModel(&report, cfg)
	checkRuntime(&report, cfg)
	checkDirectories(&report, cfg, opts.Fix)
	checkGateway(&report, cfg)
	checkChannels(&report, cfg)

	if len(cfg.EventLog.KafkaBrokers) > 0 && strings.TrimSpace(cfg.EventLog.KafkaTopic) == "" {
		report.add("event_stream", DoctorFail, "eventLog.kafkaBrokers is set but eventLog.kafkaTopic is empty")
	}
	return report, nil
}

func checkModel(report *DoctorReport, cfg *config.Config) {
	u, err := url.Parse(cfg.Model.APIBase)
	if err != nil || u.Host == "" {
		report.add("model_endpoint", DoctorFail, "model.apiBase is not a URL: %q", cfg.Model.APIBase)
		return
	}
	report.add("model_endpoint", DoctorPass, "model %s at %s", cfg.Model.Name, cfg.Model.APIBase)
	if strings.TrimSpace(cfg.Model.APIKey) != "" {
		report.add("model_api_key", DoctorPass, "model API key is configured")
		return
	}
	if isLoopbackHost(u.Hostname()) {
		report.add("model_api_key", DoctorPass, "no API key needed for local endpoint")
		return
	}
	report.add("model_api_key", DoctorWarn, "model.apiKey is empty (or set SYSAGENT_MODEL_API_KEY / OPENAI_API_KEY)")
}

func checkRuntime(report *DoctorReport, cfg *config.Config) {
	rt := cfg.Container.Runtime
	if rt == "local" {
		report.add("container_runtime", DoctorWarn, "commands run directly on the host in %s", cfg.Paths.Workspace)
		return
	}
	path, err := lookPath(rt)
	if err != nil {
		report.add("container_runtime", DoctorFail, "%s not found in PATH", rt)
		return
	}
	report.add("container_runtime", DoctorPass, "%s at %s (container %s)", rt, path, cfg.Container.Name)
}

func checkDirectories(report *DoctorReport, cfg *config.Config, fix bool) {
	ws := config.ExpandHome(cfg.Paths.Workspace)
	if fix {
		if warning, err := config.EnsureWorkspace(ws, config.ExpandHome(cfg.Paths.Skills)); err != nil {
			report.add("workspace", DoctorFail, "create workspace: %v", err)
		} else if warning != "" {
			report.add("workspace_git", DoctorWarn, "%s", warning)
		}
	}
	switch st, err := os.Stat(ws); {
	case err == nil && st.IsDir():
		report.add("workspace", DoctorPass, "workspace at %s", ws)
	case err == nil:
		report.add("workspace", DoctorFail, "workspace %s is not a directory", ws)
	case os.IsNotExist(err):
		report.add("workspace", DoctorWarn, "workspace %s does not exist yet (run doctor --fix)", ws)
	default:
		report.add("workspace", DoctorFail, "cannot access workspace: %v", err)
	}

	data := cfg.DataDir()
	if fix {
		_ = config.EnsureDir(data)
	}
	if _, err := os.Stat(data); os.IsNotExist(err) {
		report.add("data_dir", DoctorWarn, "data dir %s does not exist yet (run doctor --fix)", data)
		return
	}
	f, err := os.CreateTemp(data, ".doctor-*")
	if err != nil {
		report.add("data_dir", DoctorFail, "data dir %s is not writable: %v", data, err)
		return
	}
	f.Close()
	os.Remove(f.Name())
	report.add("data_dir", DoctorPass, "data dir %s is writable (events at %s)", data, cfg.EventLogPath())
}

func checkGateway(report *DoctorReport, cfg *config.Config) {
	if !cfg.Gateway.Enabled {
		report.add("gateway", DoctorPass, "HTTP API disabled")
		return
	}
	if isLoopbackHost(cfg.Gateway.Host) {
		report.add("gateway", DoctorPass, "HTTP API on loopback %s", cfg.APIAddr())
		return
	}
	if strings.TrimSpace(cfg.Gateway.AuthToken) == "" {
		report.add("gateway", DoctorWarn, "HTTP API on %s accepts unauthenticated requests (set gateway.authToken or run doctor --generate-gateway-token)", cfg.APIAddr())
		return
	}
	report.add("gateway", DoctorPass, "HTTP API on %s requires a bearer token", cfg.APIAddr())
}

func checkChannels(report *DoctorReport, cfg *config.Config) {
	slackCfg := cfg.Channels.Slack
	if slackCfg.Enabled {
		if strings.TrimSpace(slackCfg.BotToken) == "" {
			report.add("slack", DoctorFail, "channels.slack.enabled but channels.slack.botToken is empty")
		} else if strings.TrimSpace(slackCfg.NotifyChannel) == "" {
			report.add("slack", DoctorWarn, "channels.slack.notifyChannel is empty; heartbeat reports and approval prompts stay on the console")
		} else {
			report.add("slack", DoctorPass, "slack notifications go to %s", slackCfg.NotifyChannel)
		}
		switch app := strings.TrimSpace(slackCfg.AppToken); {
		case app == "":
			report.add("slack_inbound", DoctorWarn, "channels.slack.appToken is empty; Slack messages and approval replies are not read")
		case !strings.HasPrefix(app, "xapp-"):
			report.add("slack_inbound", DoctorFail, "channels.slack.appToken must be an app-level token (xapp-...)")
		default:
			report.add("slack_inbound", DoctorPass, "slack messages are read over Socket Mode")
		}
	}

	name, _ := channels.ParseHint(cfg.Channels.Default)
	switch name {
	case "console", "null", "api":
		report.add("default_channel", DoctorPass, "default channel %q", cfg.Channels.Default)
	case "slack":
		if slackCfg.Enabled {
			report.add("default_channel", DoctorPass, "default channel %q", cfg.Channels.Default)
		} else {
			report.add("default_channel", DoctorFail, "default channel %q needs channels.slack.enabled", cfg.Channels.Default)
		}
	default:
		report.add("default_channel", DoctorFail, "unknown default channel %q", cfg.Channels.Default)
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "" {
		return false
	}
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
