package env

import "os"

const (
	Key        = "APP_ENV"
	DefaultEnv = "tst001"
)

// GetAppEnv returns the APP_ENV environment variable, or DefaultEnv if it
// is unset.
func GetAppEnv() (string, error) {
	env := os.Getenv(Key)
	if env != "" {
		return env, nil
	}
	return DefaultEnv, nil
}
