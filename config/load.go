package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	apperrors "github.com/Skryldev/derivcache/errors"
)

// EnvPrefix marks environment variables that override configuration.
// A double underscore separates levels:
//
//	DERIVCACHE_CACHE__DERIVATIVE__TTL=1h -> cache.derivative.ttl
//	DERIVCACHE_LOG__LEVEL=debug          -> log.level
const EnvPrefix = "DERIVCACHE_"

// PathEnvVar names a config file when Load is given no path.
const PathEnvVar = EnvPrefix + "CONFIG"

// Load builds a Config from three layers, later ones winning: Default(),
// the YAML file at path (optional), and DERIVCACHE_* environment variables.
// The result is validated.
func Load(path string) (Config, error) {
	const op = "config.load"
	k := koanf.New(".")

	defaults := Default()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return Config{}, apperrors.New(apperrors.CategoryConfig, op, fmt.Errorf("load defaults: %w", err))
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, apperrors.New(apperrors.CategoryConfig, op, fmt.Errorf("load %s: %w", path, err))
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, apperrors.New(apperrors.CategoryConfig, op, fmt.Errorf("load environment: %w", err))
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, apperrors.New(apperrors.CategoryConfig, op, fmt.Errorf("unmarshal: %w", err))
	}
	if err := Validate(cfg); err != nil {
		return Config{}, apperrors.New(apperrors.CategoryConfig, op, err)
	}
	return cfg, nil
}

// envKey maps DERIVCACHE_CACHE__HEAP__DUMP_PATH to cache.heap.dump_path.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if s == "config" {
		return ""
	}
	return strings.ReplaceAll(s, "__", ".")
}
