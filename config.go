package blaze

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mox692/blaze/interfaces"
)

// Environment variables recognized by ConfigFromEnv.
const (
	EnvMaxTotal              = "BLAZE_MAX_TOTAL"
	EnvMaxPerKey             = "BLAZE_MAX_PER_KEY"
	EnvMaxWaitQueue          = "BLAZE_MAX_WAIT_QUEUE"
	EnvRequestTimeout        = "BLAZE_REQUEST_TIMEOUT"
	EnvResponseHeaderTimeout = "BLAZE_RESPONSE_HEADER_TIMEOUT"
	EnvMaxIdleDuration       = "BLAZE_MAX_IDLE_DURATION"
)

// ConfigFromEnv builds a PoolConfig from the environment, loading a .env file
// first when one is present. Unset variables keep the given defaults; BLAZE_MAX_PER_KEY
// applies one flat ceiling to every key.
func ConfigFromEnv(defaults interfaces.PoolConfig) (interfaces.PoolConfig, error) {
	// A missing .env file is not an error; explicit environment wins anyway.
	_ = godotenv.Load()

	config := defaults

	if v, err := intFromEnv(EnvMaxTotal); err != nil {
		return config, err
	} else if v != nil {
		config.MaxTotal = *v
	}

	if v, err := intFromEnv(EnvMaxPerKey); err != nil {
		return config, err
	} else if v != nil {
		perKey := *v
		config.MaxPerKey = func(interfaces.RequestKey) int { return perKey }
	}

	if v, err := intFromEnv(EnvMaxWaitQueue); err != nil {
		return config, err
	} else if v != nil {
		config.MaxWaitQueueLimit = *v
	}

	if v, err := durationFromEnv(EnvRequestTimeout); err != nil {
		return config, err
	} else if v != nil {
		config.RequestTimeout = *v
	}

	if v, err := durationFromEnv(EnvResponseHeaderTimeout); err != nil {
		return config, err
	} else if v != nil {
		config.ResponseHeaderTimeout = *v
	}

	if v, err := durationFromEnv(EnvMaxIdleDuration); err != nil {
		return config, err
	} else if v != nil {
		config.MaxIdleDuration = *v
	}

	return config, nil
}

func intFromEnv(name string) (*int, error) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid value for %s: %q", name, raw)
	}
	return &v, nil
}

func durationFromEnv(name string) (*time.Duration, error) {
	raw, ok := os.LookupEnv(name)
	if !ok || raw == "" {
		return nil, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid value for %s: %q", name, raw)
	}
	return &v, nil
}
