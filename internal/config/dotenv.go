package config

import (
	"os"
	"path/filepath"

	"github.com/subosito/gotenv"
)

// LoadDotEnv searches, in order, the current directory, the executable's
// directory, its parent, its grandparent, and two levels above the
// current directory for a ".env" file, parses the first one found, and
// sets any variable not already present in the environment. It never
// overwrites an existing environment variable.
func LoadDotEnv() error {
	path, ok := findDotEnv()
	if !ok {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	vars, err := gotenv.StrictParse(f)
	if err != nil {
		return err
	}
	for k, v := range vars {
		if _, exists := os.LookupEnv(k); !exists {
			os.Setenv(k, v)
		}
	}
	return nil
}

func findDotEnv() (string, bool) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	exe, err := os.Executable()
	exeDir := cwd
	if err == nil {
		exeDir = filepath.Dir(exe)
	}

	candidates := []string{
		filepath.Join(cwd, ".env"),
		filepath.Join(exeDir, ".env"),
		filepath.Join(exeDir, "..", ".env"),
		filepath.Join(exeDir, "..", "..", ".env"),
		filepath.Join(cwd, "..", "..", ".env"),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, true
		}
	}
	return "", false
}
