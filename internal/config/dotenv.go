package config

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// DotEnvFiles are read in order; a variable is only set when nothing before
// it (including the real environment) already set it. Explicit env wins over
// .env.local, which wins over .env.
var DotEnvFiles = []string{".env.local", ".env"}

func loadDotEnvFiles(paths ...string) error {
	for _, name := range paths {
		values, err := godotenv.Read(name)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		for k, v := range values {
			if _, exists := os.LookupEnv(k); exists {
				continue
			}
			if err := os.Setenv(k, v); err != nil {
				return err
			}
		}
	}
	return nil
}
