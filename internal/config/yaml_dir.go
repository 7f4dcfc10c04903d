package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigurationError records a file that could not be loaded.
type ConfigurationError struct {
	FilePath string
	Err      error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %v", e.FilePath, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ConfigurationErrorCollection gathers per-file errors from a directory load.
type ConfigurationErrorCollection struct {
	Errors []*ConfigurationError
}

// Add records an error for a file.
func (c *ConfigurationErrorCollection) Add(path string, err error) {
	c.Errors = append(c.Errors, &ConfigurationError{FilePath: path, Err: err})
}

// HasErrors reports whether any file failed.
func (c *ConfigurationErrorCollection) HasErrors() bool {
	return c != nil && len(c.Errors) > 0
}

// Count returns the number of failed files.
func (c *ConfigurationErrorCollection) Count() int {
	if c == nil {
		return 0
	}
	return len(c.Errors)
}

// GetSummary renders one line per failed file.
func (c *ConfigurationErrorCollection) GetSummary() string {
	if !c.HasErrors() {
		return ""
	}
	var b strings.Builder
	for _, e := range c.Errors {
		fmt.Fprintf(&b, "  - %s\n", e.Error())
	}
	return b.String()
}

// LoadAndParseYAML loads every *.yaml / *.yml file from subDir under the user and
// project configuration directories. Project files override user files with the same
// base name. Files that fail to parse or validate are skipped and recorded.
func LoadAndParseYAML[T any](subDir string, validator func(T) error) ([]T, *ConfigurationErrorCollection, error) {
	userDir, projectDir, err := GetConfigurationPaths()
	if err != nil {
		return nil, nil, err
	}
	return LoadAndParseYAMLFromDirs[T]([]string{
		filepath.Join(userDir, subDir),
		filepath.Join(projectDir, subDir),
	}, validator)
}

// LoadAndParseYAMLFromDirs is LoadAndParseYAML over an explicit, ordered list of
// directories; later directories win. Missing directories are ignored.
func LoadAndParseYAMLFromDirs[T any](dirs []string, validator func(T) error) ([]T, *ConfigurationErrorCollection, error) {
	errs := &ConfigurationErrorCollection{}
	byName := make(map[string]T)

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ext := filepath.Ext(entry.Name())
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				errs.Add(path, err)
				continue
			}
			var item T
			if err := yaml.Unmarshal(data, &item); err != nil {
				errs.Add(path, fmt.Errorf("invalid YAML: %w", err))
				continue
			}
			if validator != nil {
				if err := validator(item); err != nil {
					errs.Add(path, err)
					continue
				}
			}
			byName[strings.TrimSuffix(entry.Name(), ext)] = item
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]T, 0, len(names))
	for _, name := range names {
		result = append(result, byName[name])
	}
	return result, errs, nil
}
