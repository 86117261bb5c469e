package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ModelSpec describes how to launch one synthesis backend and which fixed
// port it binds.
type ModelSpec struct {
	Name       string            `yaml:"name"`
	Port       int               `yaml:"port"`
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args"`
	WorkDir    string            `yaml:"workdir"`
	Env        map[string]string `yaml:"env"`
	HealthPath string            `yaml:"health_path"`
	UseGPU     bool              `yaml:"use_gpu"`
}

// ModelTable is the static model→port assignment
type ModelTable map[string]ModelSpec

type modelFile struct {
	Models []ModelSpec `yaml:"models"`
}

// DefaultTTSPort is the port every built-in synthesis backend binds
const DefaultTTSPort = 8604

// DefaultModelTable returns the built-in backends. They share one port, so
// only one of them can be running at a time.
func DefaultModelTable() ModelTable {
	return ModelTable{
		"edge": {
			Name:    "edge",
			Port:    DefaultTTSPort,
			Command: "python",
			Args:    []string{"tts/edge/server.py", "--model_name", "edgeTTS"},
		},
		"sovits": {
			Name:    "sovits",
			Port:    DefaultTTSPort,
			Command: "python",
			Args:    []string{"tts/sovits/GPT-SoVITS/so_server.py"},
			UseGPU:  true,
		},
		"cosyvoice": {
			Name:    "cosyvoice",
			Port:    DefaultTTSPort,
			Command: "python",
			Args:    []string{"tts/cosyvoice/CosyVoice/server.py"},
			UseGPU:  true,
		},
		"tacotron": {
			Name:    "tacotron",
			Port:    DefaultTTSPort,
			Command: "python",
			Args:    []string{"tts/taco/taco_server.py"},
		},
	}
}

// LoadModelTable returns the table from path, or the built-in table when
// path is empty.
func LoadModelTable(path string) (ModelTable, error) {
	if path == "" {
		return DefaultModelTable(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model table: %w", err)
	}

	return ParseModelTable(data)
}

// ParseModelTable decodes a YAML model table
func ParseModelTable(data []byte) (ModelTable, error) {
	var f modelFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse model table: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("model table has no models")
	}

	table := make(ModelTable, len(f.Models))
	for _, m := range f.Models {
		if m.Name == "" {
			return nil, fmt.Errorf("model entry without name")
		}
		if _, dup := table[m.Name]; dup {
			return nil, fmt.Errorf("duplicate model %q", m.Name)
		}
		if m.Port <= 0 || m.Port > 65535 {
			return nil, fmt.Errorf("model %q: port %d out of range", m.Name, m.Port)
		}
		if m.Command == "" {
			return nil, fmt.Errorf("model %q: command is required", m.Name)
		}
		table[m.Name] = m
	}

	return table, nil
}

// Names returns the model names in sorted order
func (t ModelTable) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Health returns the liveness path for the model
func (m ModelSpec) Health() string {
	if m.HealthPath == "" {
		return "/health"
	}
	return m.HealthPath
}
