package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"callbridge/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

const doctorProbeText = "This is a callbridge connectivity check."

func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Credentials", Fn: checkCredentials},
		{Name: "Public URL", Fn: checkPublicURL},
		{Name: "Call history", Fn: checkStorePath},
		{Name: "Provider readiness", Fn: checkProviders},
	}

	fmt.Println("callbridge doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports whether the config file exists and loaded. A missing
// file is only a warning since every setting has an env override.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and file permissions (0600)",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults and environment", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkCredentials(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	if err := config.RequireProviders(cfg); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Set TWILIO_*, DEEPGRAM_API_KEY and ELEVENLABS_API_KEY or fill in config.yaml",
		}
	}
	return CheckResult{Status: StatusPass, Message: "all provider credentials present"}
}

// checkPublicURL warns about URLs Twilio cannot reach or will refuse to stream to.
func checkPublicURL(cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Server.PublicURL == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: "server.public_url is not set",
			Fix:     "Expose the server (e.g. through a tunnel) and set CALLBRIDGE_PUBLIC_URL",
		}
	}
	u, err := url.Parse(cfg.Server.PublicURL)
	if err != nil || u.Host == "" {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("invalid public URL %q", cfg.Server.PublicURL)}
	}
	host := u.Hostname()
	if host == "localhost" || strings.HasPrefix(host, "127.") {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s is not reachable from Twilio", cfg.Server.PublicURL),
		}
	}
	if u.Scheme != "https" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "public URL is not https; media streams will use ws://",
		}
	}
	return CheckResult{Status: StatusPass, Message: cfg.Server.PublicURL}
}

func checkStorePath(cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Store.Path == "" {
		return CheckResult{Status: StatusWarn, Message: "call history disabled (store.path is empty)"}
	}
	dir := filepath.Dir(cfg.Store.Path)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("directory %s does not exist", dir),
			Fix:     fmt.Sprintf("mkdir -p %s", dir),
		}
	}
	return CheckResult{Status: StatusPass, Message: cfg.Store.Path}
}

// checkProviders runs each provider's own readiness check once.
func checkProviders(cfg *config.Config) CheckResult {
	if cfg == nil || config.RequireProviders(cfg) != nil {
		return CheckResult{Status: StatusWarn, Message: "skipped (credentials missing)"}
	}
	providers := initProviders(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Preflight.Timeout+5*time.Second)
	defer cancel()

	probes := []struct {
		name string
		fn   func(context.Context) error
	}{
		{providers.Telephony.Name(), providers.Telephony.Preflight},
		{providers.Transcriber.Name(), providers.Transcriber.Preflight},
		{providers.Synthesizer.Name(), func(ctx context.Context) error {
			return providers.Synthesizer.Preflight(ctx, doctorProbeText)
		}},
	}
	var failed []string
	for _, p := range probes {
		if err := p.fn(ctx); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", p.name, err))
		}
	}
	if len(failed) > 0 {
		return CheckResult{Status: StatusFail, Message: strings.Join(failed, "; ")}
	}
	return CheckResult{Status: StatusPass, Message: "twilio, deepgram and elevenlabs are ready"}
}
