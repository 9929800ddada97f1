package config

import (
	"os"
	"strconv"

	"github.com/archbuild/coordinator/pkg/log"
)

// Config holds every environment-tunable setting the coordinator reads at
// startup. Nothing here changes once the process is running.
type Config struct {
	MaxBuilders         int
	MaxRetries          int
	UpdateCheckInterval int
	Port                int
	Image               string
	RepoName            string
	MemoryLimit         *int64
	LogLevel            log.Level
}

// Load reads Config from the environment, falling back to the
// coordinator's defaults for anything unset or unparsable.
func Load() Config {
	return Config{
		MaxBuilders:         envOr("MAX_BUILDERS", 1),
		MaxRetries:          envOr("MAX_RETRIES", 3),
		UpdateCheckInterval: envOr("UPDATE_CHECK_INTERVAL", 240),
		Port:                envOr("PORT", 3200),
		Image:               envOr("BUILDER_IMAGE", "aur_worker"),
		RepoName:            envOr("REPO_NAME", "aur"),
		MemoryLimit:         envOrNone[int64]("MEMORY_LIMIT"),
		LogLevel:            log.ParseLevel(envOr("LOG_LEVEL", string(log.InfoLevel))),
	}
}

// envOr reads key from the environment and parses it as T, falling back
// to def when the variable is unset or fails to parse as T.
func envOr[T any](key string, def T) T {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}

	parsed, ok := parse[T](val)
	if !ok {
		return def
	}
	return parsed
}

// envOrNone reads key from the environment, returning nil when it is
// unset or fails to parse as T.
func envOrNone[T any](key string) *T {
	val, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}

	parsed, ok := parse[T](val)
	if !ok {
		return nil
	}
	return &parsed
}

func parse[T any](val string) (T, bool) {
	var zero T
	switch any(zero).(type) {
	case int:
		n, err := strconv.Atoi(val)
		if err != nil {
			return zero, false
		}
		return any(n).(T), true
	case int64:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return zero, false
		}
		return any(n).(T), true
	case string:
		return any(val).(T), true
	default:
		return zero, false
	}
}
