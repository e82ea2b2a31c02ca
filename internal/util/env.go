package util

import "os"

// GetEnv returns the variable or def when it is unset or empty.
func GetEnv(key, def string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return def
}
