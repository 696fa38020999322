package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	EnvPrefix         = "PERPDESK"
	EnvConfigPath     = "PERPDESK_CONFIG"
	DefaultConfigPath = "configs/config.yaml"
)

// secretKeys may be supplied through PERPDESK_* environment variables,
// e.g. PERPDESK_EXCHANGE_API_KEY.
var secretKeys = []string{
	"exchange.api_key",
	"exchange.api_secret",
	"notify.telegram.bot_token",
	"notify.telegram.chat_id",
}

// ResolvePath picks the config file: explicit flag, then PERPDESK_CONFIG,
// then the default location.
func ResolvePath(flag string) string {
	if p := strings.TrimSpace(flag); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultConfigPath
}

func Load(path string) (*Config, error) {
	files, err := resolveConfigIncludes(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range files {
		if err := mergeConfigFile(v, file); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", file, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range secretKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %s failed: %w", key, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults(explicitKeys(v))
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func mergeConfigFile(v *viper.Viper, path string) error {
	tmp := viper.New()
	tmp.SetConfigFile(path)
	if err := tmp.ReadInConfig(); err != nil {
		return err
	}
	return v.MergeConfigMap(tmp.AllSettings())
}

// includeResolver expands "include" lists depth first, so every included
// file merges before the file that names it. A file reached twice merges
// once.
type includeResolver struct {
	done     map[string]bool
	visiting map[string]bool
	order    []string
}

func resolveConfigIncludes(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	r := &includeResolver{done: map[string]bool{}, visiting: map[string]bool{}}
	if err := r.visit(abs); err != nil {
		return nil, err
	}
	return r.order, nil
}

func (r *includeResolver) visit(path string) error {
	path = filepath.Clean(path)
	if r.visiting[path] {
		return fmt.Errorf("include cycle detected: %s", path)
	}
	if r.done[path] {
		return nil
	}
	r.visiting[path] = true
	defer delete(r.visiting, path)

	includes, err := readIncludes(path)
	if err != nil {
		return fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := r.visit(inc); err != nil {
			return err
		}
	}
	r.done[path] = true
	r.order = append(r.order, path)
	return nil
}

func readIncludes(path string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if !v.IsSet("include") {
		return nil, nil
	}
	items, ok := v.Get("include").([]any)
	if !ok {
		return nil, fmt.Errorf("include must be a string array")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("include entries must be strings, got %T", item)
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// explicitKeys records every leaf path present in the merged files or the
// environment, so defaults never overwrite an explicit zero.
func explicitKeys(v *viper.Viper) keySet {
	keys := make(keySet)
	for _, k := range v.AllKeys() {
		if v.IsSet(k) {
			keys.mark(k)
		}
	}
	return keys
}
