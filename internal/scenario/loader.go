package scenario

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"testbed/pkg/logging"

	"gopkg.in/yaml.v3"
)

const loaderSubsystem = "Scenario"

// Load reads scenarios from a YAML file or from every YAML file below a
// directory, in path order.
func Load(path string) ([]Scenario, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("scenario path does not exist: %s", path)
		}
		return nil, fmt.Errorf("failed to stat scenario path: %w", err)
	}

	if !info.IsDir() {
		s, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		return []Scenario{s}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isYAMLFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory %s: %w", path, err)
	}
	sort.Strings(files)

	scenarios := make([]Scenario, 0, len(files))
	names := make(map[string]string, len(files))
	for _, f := range files {
		s, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		if prev, ok := names[s.Name]; ok {
			return nil, fmt.Errorf("scenario %q defined in both %s and %s", s.Name, prev, f)
		}
		names[s.Name] = f
		scenarios = append(scenarios, s)
	}

	logging.Debug(loaderSubsystem, "Loaded %d scenarios from %s", len(scenarios), path)
	return scenarios, nil
}

// LoadFile reads one scenario file.
func LoadFile(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return Scenario{}, fmt.Errorf("invalid scenario in %s: %w", path, err)
	}
	s.Path = path
	return s, nil
}

// Parse decodes and validates one scenario.
func Parse(data []byte) (Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Scenario{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

// Validate checks the scenario fields and that every template parses.
func (s Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("scenario name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario must have at least one step")
	}
	if s.Workers < 0 {
		return fmt.Errorf("workers cannot be negative")
	}
	if s.Repeat < 0 {
		return fmt.Errorf("repeat cannot be negative")
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}

	for i, step := range s.Steps {
		if err := step.validate(); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	for i, step := range s.Cleanup {
		if err := step.validate(); err != nil {
			return fmt.Errorf("cleanup step %d: %w", i+1, err)
		}
	}
	return nil
}

func (s Step) validate() error {
	switch {
	case s.Command == "" && s.Query == "":
		return fmt.Errorf("either command or query is required")
	case s.Command != "" && s.Query != "":
		return fmt.Errorf("command and query are mutually exclusive")
	case s.Query != "" && (s.Node == "" || s.Node == LocalNode):
		return fmt.Errorf("query requires a service node")
	case s.Query == "" && len(s.Settings) > 0:
		return fmt.Errorf("settings only apply to queries")
	case s.Timeout < 0:
		return fmt.Errorf("timeout cannot be negative")
	}

	if _, err := parseTemplate(s.Command + s.Query); err != nil {
		return err
	}
	for name, value := range s.Settings {
		if _, err := parseTemplate(value); err != nil {
			return fmt.Errorf("setting %s: %w", name, err)
		}
	}
	return nil
}

// Filter returns the scenarios matching any of tags and any of names. Empty
// selectors match everything.
func Filter(scenarios []Scenario, tags, names []string) []Scenario {
	var out []Scenario
	for _, s := range scenarios {
		if len(names) > 0 && !slices.Contains(names, s.Name) {
			continue
		}
		if len(tags) > 0 && !slices.ContainsFunc(s.Tags, func(t string) bool { return slices.Contains(tags, t) }) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func isYAMLFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
