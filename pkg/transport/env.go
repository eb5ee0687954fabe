package transport

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables read by LoadConfig.
const (
	EnvTransport      = "MCP_TRANSPORT"
	EnvPort           = "MCP_PORT"
	EnvHost           = "MCP_HOST"
	EnvPath           = "MCP_PATH"
	EnvEnableCORS     = "MCP_ENABLE_CORS"
	EnvSessionTimeout = "MCP_SESSION_TIMEOUT"
	EnvEnableAutoSync = "MCP_ENABLE_AUTO_SYNC"
	EnvEnableProgress = "MCP_ENABLE_PROGRESS"
)

// LoadConfig loads the given .env files, skipping those that do not exist, then builds a
// Config from the environment on top of DefaultConfig. Variables already set in the process
// environment win over the files. MCP_SESSION_TIMEOUT is in milliseconds.
func LoadConfig(files ...string) (Config, error) {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Config{}, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	cfg := DefaultConfig()

	if v, ok := os.LookupEnv(EnvTransport); ok && v != "" {
		cfg.Type = Type(v)
	}
	if v, ok := os.LookupEnv(EnvHost); ok && v != "" {
		cfg.Host = v
	}
	if v, ok := os.LookupEnv(EnvPath); ok && v != "" {
		cfg.Path = v
	}

	var err error
	if cfg.Port, err = envInt(EnvPort, cfg.Port); err != nil {
		return Config{}, err
	}
	timeoutMS, err := envInt(EnvSessionTimeout, int(cfg.SessionTimeout/time.Millisecond))
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTimeout = time.Duration(timeoutMS) * time.Millisecond

	if cfg.EnableCORS, err = envBool(EnvEnableCORS, cfg.EnableCORS); err != nil {
		return Config{}, err
	}
	if cfg.EnableAutoSync, err = envBool(EnvEnableAutoSync, cfg.EnableAutoSync); err != nil {
		return Config{}, err
	}
	if cfg.EnableProgress, err = envBool(EnvEnableProgress, cfg.EnableProgress); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func envInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
	}
	return b, nil
}
