package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".socmind"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("SOCMIND_CONFIG")); explicit != "" {
		return expandHome(explicit)
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("SOCMIND_HOME")); h != "" {
		return expandHome(h)
	}
	return os.UserHomeDir()
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, p[1:]), nil
}

// Load reads defaults, then the config file, then SOCMIND_* environment
// overrides. A missing config file is not an error.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil
	}
	if err := loadFile(path, cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := normalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads defaults plus one explicit config file, with env overrides.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	LoadEnvFileCandidates()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := normalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := loadResolvedConfig(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	for prefix, target := range map[string]any{
		"SOCMIND_BROKER":  &cfg.Broker,
		"SOCMIND_STORE":   &cfg.Store,
		"SOCMIND_GATEWAY": &cfg.Gateway,
		"SOCMIND_CONTROL": &cfg.Control,
	} {
		if err := envconfig.Process(prefix, target); err != nil {
			return fmt.Errorf("env %s: %w", prefix, err)
		}
	}
	return nil
}

func normalize(cfg *Config) error {
	cfg.Broker.Driver = strings.ToLower(strings.TrimSpace(cfg.Broker.Driver))
	switch cfg.Broker.Driver {
	case BrokerKafka, BrokerMemory:
	case "":
		cfg.Broker.Driver = BrokerKafka
	default:
		return fmt.Errorf("unknown broker driver %q", cfg.Broker.Driver)
	}
	if cfg.Broker.TopicPrefix == "" {
		cfg.Broker.TopicPrefix = "socmind"
	}
	if cfg.Broker.ReplicationFactor <= 0 {
		cfg.Broker.ReplicationFactor = 1
	}
	if cfg.Broker.MaxDeliveries < 0 {
		cfg.Broker.MaxDeliveries = 0
	}
	if cfg.Control.AutoPauseThreshold <= 0 {
		cfg.Control.AutoPauseThreshold = 10
	}
	if cfg.Control.DelayMs < 0 {
		cfg.Control.DelayMs = 0
	}

	p, err := expandHome(cfg.Store.Path)
	if err != nil {
		return err
	}
	cfg.Store.Path = p

	seen := make(map[string]struct{}, len(cfg.Programs))
	for i := range cfg.Programs {
		pc := &cfg.Programs[i]
		pc.ID = strings.TrimSpace(pc.ID)
		if pc.ID == "" {
			return fmt.Errorf("programs[%d]: id is required", i)
		}
		if _, dup := seen[pc.ID]; dup {
			return fmt.Errorf("programs[%d]: duplicate id %q", i, pc.ID)
		}
		seen[pc.ID] = struct{}{}
		if pc.APIKey == "" && pc.APIKeyEnv != "" {
			pc.APIKey = os.Getenv(pc.APIKeyEnv)
		}
		if pc.ID == cfg.Control.HumanID {
			return fmt.Errorf("programs[%d]: %q is the human member", i, pc.ID)
		}
	}
	return nil
}

// Save writes cfg to the config path.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// loadResolvedConfig reads path, merges any "$include" files beneath it and
// substitutes ${VAR} references from the environment.
func loadResolvedConfig(path string) ([]byte, error) {
	obj, err := loadConfigObject(path, map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

func loadConfigObject(path string, visited map[string]struct{}) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, seen := visited[absPath]; seen {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visited[absPath] = struct{}{}
	defer delete(visited, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", absPath, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	merged := map[string]any{}
	if includeRaw, ok := raw["$include"]; ok {
		includes, err := parseIncludes(includeRaw)
		if err != nil {
			return nil, err
		}
		baseDir := filepath.Dir(absPath)
		for _, inc := range includes {
			if !filepath.IsAbs(inc) {
				inc = filepath.Join(baseDir, inc)
			}
			child, err := loadConfigObject(inc, visited)
			if err != nil {
				return nil, err
			}
			deepMerge(merged, child)
		}
	}
	delete(raw, "$include")
	substituteEnvValues(raw)
	deepMerge(merged, raw)
	return merged, nil
}

func parseIncludes(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			if strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
}

// deepMerge merges src into dst. Nested objects merge; everything else,
// arrays included, is replaced.
func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, ok := val.(map[string]any)
		if !ok {
			dst[key] = val
			continue
		}
		dstMap, ok := dst[key].(map[string]any)
		if !ok {
			dstMap = map[string]any{}
			dst[key] = dstMap
		}
		deepMerge(dstMap, srcMap)
	}
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			name := envPattern.FindStringSubmatch(match)[1]
			if value, ok := os.LookupEnv(name); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
