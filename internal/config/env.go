package config

import (
	"fmt"
	"os"
	"strings"
)

// ParseEnvFile reads a dotenv file into KEY=VALUE pairs. Blank lines,
// comments and lines without '=' are skipped; an "export " prefix and
// matching surrounding quotes are removed.
func ParseEnvFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var envVars []string
	for _, line := range strings.Split(string(data), "\n") {
		s := strings.TrimSpace(line)
		if s == "" || s[0] == '#' {
			continue
		}
		s = strings.TrimPrefix(s, "export ")
		key, val, ok := strings.Cut(s, "=")
		if !ok {
			continue
		}
		envVars = append(envVars, strings.TrimSpace(key)+"="+stripQuotes(strings.TrimSpace(val)))
	}
	return envVars, nil
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// LoadSecrets exports the secrets env file into the process environment.
// Variables already set are left alone. A missing file is not an error when
// it was not configured explicitly.
func (c *Config) LoadSecrets() (int, error) {
	path := c.Secrets.EnvFile
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	vars, err := ParseEnvFile(c.Path(path))
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return 0, nil
		}
		return 0, fmt.Errorf("reading secrets env file: %w", err)
	}
	n := 0
	for _, kv := range vars {
		key, val, _ := strings.Cut(kv, "=")
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return n, fmt.Errorf("setting %s: %w", key, err)
		}
		n++
	}
	return n, nil
}
