package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultInvokeTimeout = 60 * time.Second
	defaultMaxAttempts   = 3
)

// Duration is a time.Duration that unmarshals from YAML strings like "45s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Tool describes one registered transformation. The orchestration core
// never interprets the tool beyond this lookup.
type Tool struct {
	Name        string   `yaml:"name"`
	WorkerURL   string   `yaml:"worker_url"`
	InputExt    string   `yaml:"input_ext"`
	OutputExt   string   `yaml:"output_ext"`
	Timeout     Duration `yaml:"timeout"`
	MaxAttempts int      `yaml:"max_attempts"`
}

func (t Tool) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("tool name is required")
	}
	if strings.TrimSpace(t.WorkerURL) == "" {
		return fmt.Errorf("tool %q: worker url is required", t.Name)
	}
	if t.Timeout < 0 {
		return fmt.Errorf("tool %q: timeout must not be negative", t.Name)
	}
	if t.MaxAttempts < 0 {
		return fmt.Errorf("tool %q: max attempts must not be negative", t.Name)
	}
	return nil
}

func (t Tool) InvokeTimeout() time.Duration {
	if t.Timeout <= 0 {
		return defaultInvokeTimeout
	}
	return time.Duration(t.Timeout)
}

func (t Tool) RetryBudget() int {
	if t.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return t.MaxAttempts
}

// Registry resolves tool names to their worker configuration.
type Registry struct {
	tools map[string]Tool
}

type registryFile struct {
	Tools []Tool `yaml:"tools"`
}

func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool registry: %w", err)
	}
	return ParseRegistry(raw)
}

func ParseRegistry(raw []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse tool registry: %w", err)
	}
	if len(file.Tools) == 0 {
		return nil, errors.New("tool registry is empty")
	}
	tools := make(map[string]Tool, len(file.Tools))
	for _, tool := range file.Tools {
		tool.Name = strings.TrimSpace(tool.Name)
		if err := tool.Validate(); err != nil {
			return nil, err
		}
		if _, exists := tools[tool.Name]; exists {
			return nil, fmt.Errorf("duplicate tool %q", tool.Name)
		}
		tools[tool.Name] = tool
	}
	return &Registry{tools: tools}, nil
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	tool, ok := r.tools[strings.TrimSpace(name)]
	return tool, ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
