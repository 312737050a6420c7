package shared

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Version is stamped into log lines of the example binaries.
var Version = "dev"

type EnvParser[T any] func(raw string) (T, error)

func GetenvString(raw string) (string, error) { return raw, nil }

func GetenvInt(raw string) (int, error) { return strconv.Atoi(raw) }

func GetenvBool(raw string) (bool, error) { return strconv.ParseBool(raw) }

func GetenvDuration(raw string) (time.Duration, error) { return time.ParseDuration(raw) }

// Getenv reads key and parses it. An unset or empty variable yields def, or
// an error when required is true.
func Getenv[T any](parse EnvParser[T], key string, required bool, def T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		if required {
			return def, fmt.Errorf("environment variable %s is required", key)
		}
		return def, nil
	}
	v, err := parse(raw)
	if err != nil {
		return def, fmt.Errorf("parsing environment variable %s: %w", key, err)
	}
	return v, nil
}

func MustGetenv[T any](parse EnvParser[T], key string, required bool, def T) T {
	v, err := Getenv(parse, key, required, def)
	if err != nil {
		panic(err)
	}
	return v
}
