package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DatabaseNotFoundError is returned when a scenario's database_dir does
// not exist.
type DatabaseNotFoundError struct {
	Scenario string
	Path     string
}

func (e *DatabaseNotFoundError) Error() string {
	return fmt.Sprintf("scenario %q references database directory %q which does not exist", e.Scenario, e.Path)
}

// CheckDatabase reports a missing database_dir before the run.
func CheckDatabase(s *Scenario) error {
	if s.DatabaseDir == "" {
		return nil
	}
	if _, err := os.Stat(s.DatabaseDir); os.IsNotExist(err) {
		return &DatabaseNotFoundError{Scenario: s.Name, Path: s.DatabaseDir}
	}
	return nil
}

// FindScenarios lists the .yaml and .yml files under path, or path itself
// when it is a file. filter is a glob on the file name without extension.
func FindScenarios(path, filter string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	var files []string
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if p != path && info.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(p)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(p), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, p)
		return nil
	})
	return files, err
}

// GoldenPath is where the CLI keeps a scenario file's golden snapshot.
func GoldenPath(scenarioFile string) string {
	base := filepath.Base(scenarioFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(scenarioFile), "golden", name+".golden")
}
