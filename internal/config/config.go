package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/plyght/hops/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Runtime RuntimeConfig `koanf:"runtime"`
	Sandbox SandboxConfig `koanf:"sandbox"`
	Policy  PolicyConfig  `koanf:"policy"`
	Daemon  DaemonConfig  `koanf:"daemon"`
}

type ServerConfig struct {
	SocketPath string `koanf:"socket_path"`
	LogLevel   string `koanf:"log_level"`
}

type RuntimeConfig struct {
	Helper      string `koanf:"helper"`
	KernelImage string `koanf:"kernel_image"`
	InitImage   string `koanf:"init_image"`
	BootTimeout string `koanf:"boot_timeout"`
}

type SandboxConfig struct {
	StopGracePeriod string `koanf:"stop_grace_period"`
	Retention       string `koanf:"retention"`
	SweepSchedule   string `koanf:"sweep_schedule"`
	OutputBuffer    int    `koanf:"output_buffer"`
}

type PolicyConfig struct {
	ProfilesDir    string   `koanf:"profiles_dir"`
	MaxCPUs        int      `koanf:"max_cpus"`
	MaxMemoryBytes int64    `koanf:"max_memory_bytes"`
	MaxProcesses   int      `koanf:"max_processes"`
	SensitivePaths []string `koanf:"sensitive_paths"`
}

type DaemonConfig struct {
	ShutdownTimeout     string `koanf:"shutdown_timeout"`
	HealthCheckInterval string `koanf:"health_check_interval"`
	LockPath            string `koanf:"lock_path"`
}

const (
	DefaultServerLogLevel            = "info"
	DefaultRuntimeHelper             = "hops-vmm"
	DefaultRuntimeBootTimeout        = "30s"
	DefaultSandboxStopGracePeriod    = "5s"
	DefaultSandboxRetention          = "1h"
	DefaultSandboxSweepSchedule      = "@every 1m"
	DefaultSandboxOutputBuffer       = 1024
	DefaultPolicyMaxCPUs             = 16
	DefaultPolicyMaxMemoryBytes      = 64 * 1024 * 1024 * 1024
	DefaultPolicyMaxProcesses        = 4096
	DefaultDaemonShutdownTimeout     = "30s"
	DefaultDaemonHealthCheckInterval = "30s"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"server.socket_path":           filepath.Join(os.Getenv("HOME"), ".hops", "hops.sock"),
		"server.log_level":             DefaultServerLogLevel,
		"runtime.helper":               DefaultRuntimeHelper,
		"runtime.kernel_image":         filepath.Join(os.Getenv("HOME"), ".hops", "images", "vmlinux"),
		"runtime.init_image":           filepath.Join(os.Getenv("HOME"), ".hops", "images", "init.img"),
		"runtime.boot_timeout":         DefaultRuntimeBootTimeout,
		"sandbox.stop_grace_period":    DefaultSandboxStopGracePeriod,
		"sandbox.retention":            DefaultSandboxRetention,
		"sandbox.sweep_schedule":       DefaultSandboxSweepSchedule,
		"sandbox.output_buffer":        DefaultSandboxOutputBuffer,
		"policy.profiles_dir":          filepath.Join(os.Getenv("HOME"), ".hops", "profiles"),
		"policy.max_cpus":              DefaultPolicyMaxCPUs,
		"policy.max_memory_bytes":      DefaultPolicyMaxMemoryBytes,
		"policy.max_processes":         DefaultPolicyMaxProcesses,
		"daemon.shutdown_timeout":      DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval": DefaultDaemonHealthCheckInterval,
		"daemon.lock_path":             filepath.Join(os.Getenv("HOME"), ".hops", "hopsd.lock"),
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".hops", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables
	k.Load(env.Provider("HOPS_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "HOPS_")), "_", ".", -1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	fields := []*string{
		&cfg.Server.SocketPath,
		&cfg.Runtime.KernelImage,
		&cfg.Runtime.InitImage,
		&cfg.Policy.ProfilesDir,
		&cfg.Daemon.LockPath,
	}
	for _, field := range fields {
		expanded, err := expandConfiguredPath(*field)
		if err != nil {
			return err
		}
		if expanded != "" {
			*field = expanded
		}
	}

	for i := range cfg.Policy.SensitivePaths {
		expanded, err := expandConfiguredPath(cfg.Policy.SensitivePaths[i])
		if err != nil {
			return err
		}
		if expanded != "" {
			cfg.Policy.SensitivePaths[i] = expanded
		}
	}

	return nil
}

func expandConfiguredPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	expanded, err := pathutil.Expand(trimmed)
	if err != nil {
		return "", err
	}
	return expanded, nil
}
