package config

import (
	"errors"
	"io/fs"

	"github.com/joho/godotenv"
)

// DefaultEnvFiles are read by LoadDotEnv when no files are given.
// Earlier files win because variables that are already set are never overwritten.
var DefaultEnvFiles = []string{".env.local", ".env"}

// LoadDotEnv populates the process environment from dotenv files. Missing
// files are skipped; malformed files are reported.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = DefaultEnvFiles
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}
