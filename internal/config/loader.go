package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/parse"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/truncation"
)

// Identity names the application for config discovery and env mapping.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the crengine identity.
var DefaultIdentity = Identity{
	BinaryName: "crengine",
	EnvPrefix:  "CRENGINE",
	ConfigName: "crengine",
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
)

// envSpec maps an environment variable onto a config path.
type envSpec struct {
	Name string
	Path string
}

// Load resolves configuration from defaults, the first config file found
// on the search path, environment variables and runtime overrides, in
// increasing order of precedence. The result becomes the process config
// returned by GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	return LoadFile(ctx, "", overrides...)
}

// LoadFile is Load with an explicit config file. An empty path searches
// the default locations; a missing explicit file is an error.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}

	v := viper.New()
	setDefaults(v)

	file := strings.TrimSpace(path)
	if file == "" {
		file = findConfigFile(configSearchPaths(appIdentity))
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	v.SetEnvPrefix(appIdentity.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range groupEnvSpecs(envSpecsFor(appIdentity)) {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	for _, o := range overrides {
		applyOverrides(v, "", o)
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToIntSliceHookFunc(","),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

// stringToIntSliceHookFunc splits comma-separated env values such as
// CRENGINE_TOKEN_LADDER=8000,12000 into []int.
func stringToIntSliceHookFunc(sep string) mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf([]int(nil)) {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []int{}, nil
		}
		parts := strings.Split(raw, sep)
		out := make([]int, 0, len(parts))
		for _, part := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("invalid integer %q in list %q", part, raw)
			}
			out = append(out, n)
		}
		return out, nil
	}
}

// GetConfig returns the most recently loaded config, or nil before the
// first successful Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data.root", "./results")
	v.SetDefault("catalog.path", "./catalog.yaml")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "CONSOLE")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)

	v.SetDefault("run.batch_cooldown", "10s")
	v.SetDefault("run.evaluator_delay", "2s")
	v.SetDefault("run.max_retries", 2)
	v.SetDefault("run.temperature", 0.7)
	v.SetDefault("run.token_ladder", []int(truncation.DefaultLadder()))
	v.SetDefault("run.max_attempts", truncation.DefaultMaxAttempts)
	v.SetDefault("run.stale_after", "30m")
	v.SetDefault("run.facts_model", "")
	v.SetDefault("run.dimensions", append([]string(nil), parse.DefaultDimensions...))

	for _, p := range []string{"anthropic", "openai", "xai", "openrouter", "gemini"} {
		v.SetDefault("backends."+p+".api_key", "")
		v.SetDefault("backends."+p+".base_url", "")
		v.SetDefault("backends."+p+".timeout", "5m")
		v.SetDefault("backends."+p+".rate_limit", 0)
		v.SetDefault("backends."+p+".max_retries", 3)
	}

	v.SetDefault("ledger.enabled", true)
	v.SetDefault("ledger.path", "")

	v.SetDefault("mirror.s3.bucket", "")
	v.SetDefault("mirror.s3.prefix", "")
	v.SetDefault("mirror.s3.region", "")
	v.SetDefault("mirror.s3.endpoint", "")
	v.SetDefault("mirror.s3.profile", "")
	v.SetDefault("mirror.s3.force_path_style", false)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
}

// applyOverrides sets every leaf of m, so overrides win over env and file
// values.
func applyOverrides(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrides(v, key, nested)
			continue
		}
		v.Set(key, val)
	}
}

// getEnvSpecs returns the short-form and provider-native environment
// variables of the current identity.
func getEnvSpecs() []envSpec {
	configMu.RLock()
	defer configMu.RUnlock()
	return envSpecsFor(appIdentity)
}

func envSpecsFor(id *Identity) []envSpec {
	if id == nil {
		return []envSpec{}
	}
	p := id.EnvPrefix + "_"
	specs := []envSpec{
		{Name: p + "DATA_ROOT", Path: "data.root"},
		{Name: p + "CATALOG", Path: "catalog.path"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "LOG_FILE", Path: "logging.file"},
		{Name: p + "MAX_RETRIES", Path: "run.max_retries"},
		{Name: p + "TOKEN_LADDER", Path: "run.token_ladder"},
		{Name: p + "FACTS_MODEL", Path: "run.facts_model"},
		{Name: p + "LEDGER_PATH", Path: "ledger.path"},
		{Name: p + "S3_BUCKET", Path: "mirror.s3.bucket"},
		{Name: p + "S3_PREFIX", Path: "mirror.s3.prefix"},
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
	}
	for _, k := range []struct{ provider, env string }{
		{"anthropic", "ANTHROPIC_API_KEY"},
		{"openai", "OPENAI_API_KEY"},
		{"xai", "XAI_API_KEY"},
		{"openrouter", "OPENROUTER_API_KEY"},
		{"gemini", "GEMINI_API_KEY"},
	} {
		path := "backends." + k.provider + ".api_key"
		specs = append(specs,
			envSpec{Name: p + strings.ToUpper(k.provider) + "_API_KEY", Path: path},
			envSpec{Name: k.env, Path: path},
		)
	}
	return specs
}

// groupEnvSpecs collects env names per config path, the prefixed form
// first so that viper.BindEnv prefers it.
func groupEnvSpecs(specs []envSpec) map[string][]string {
	out := make(map[string][]string)
	for _, s := range specs {
		out[s.Path] = append(out[s.Path], s.Name)
	}
	return out
}

// getUserConfigPaths returns the per-user config file candidates.
func getUserConfigPaths() []string {
	configMu.RLock()
	defer configMu.RUnlock()
	return userConfigPaths(appIdentity)
}

func userConfigPaths(id *Identity) []string {
	if id == nil {
		return []string{}
	}
	var paths []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, id.ConfigName, "config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", id.ConfigName, "config.yaml"))
	}
	return paths
}

func configSearchPaths(id *Identity) []string {
	paths := []string{id.ConfigName + ".yaml"}
	if env := os.Getenv(id.EnvPrefix + "_CONFIG"); env != "" {
		paths = append([]string{env}, paths...)
	}
	return append(paths, userConfigPaths(id)...)
}

func findConfigFile(paths []string) string {
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}
