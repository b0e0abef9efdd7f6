package cli

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/me/zoneq/internal/executor"
	"github.com/me/zoneq/pkg/model"
)

// Workload is a simulation input file: the zones to queue, their tool
// assignments and how each tool behaves.
type Workload struct {
	Name        string                      `yaml:"name"`
	Seed        uint64                      `yaml:"seed"`
	DefaultTool string                      `yaml:"default_tool"`
	Default     executor.Profile            `yaml:"default_profile"`
	Profiles    map[string]executor.Profile `yaml:"profiles"`

	// Commands runs a tool as a local process instead of simulating it.
	Commands map[string][]string `yaml:"commands"`

	Zones       []model.Zone           `yaml:"zones"`
	Assignments []model.ToolAssignment `yaml:"assignments"`
}

// LoadWorkload reads and checks a workload file.
func LoadWorkload(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workload %s: %w", path, err)
	}
	return ParseWorkload(data)
}

// ParseWorkload decodes a workload. Zones without an assignment get one for
// DefaultTool when it is set.
func ParseWorkload(data []byte) (*Workload, error) {
	var w Workload
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse workload: %w", err)
	}
	if len(w.Zones) == 0 {
		return nil, fmt.Errorf("workload has no zones")
	}

	assigned := make(map[string]bool, len(w.Assignments))
	for _, a := range w.Assignments {
		if a.ZoneID == "" || a.PrimaryTool == "" {
			return nil, fmt.Errorf("assignment needs zone_id and tool")
		}
		assigned[a.ZoneID] = true
	}
	if w.DefaultTool != "" {
		for _, z := range w.Zones {
			if !assigned[z.ID] {
				w.Assignments = append(w.Assignments, model.ToolAssignment{
					ZoneID:      z.ID,
					PrimaryTool: w.DefaultTool,
					Confidence:  0.5,
				})
				assigned[z.ID] = true
			}
		}
	}
	return &w, nil
}

// Executor builds the executor for the workload: a registry whose default is
// a seeded simulator, with local commands registered per tool.
func (w *Workload) Executor(workDir string, logger *slog.Logger) (*executor.Registry, *executor.Simulator) {
	def := w.Default
	if def.Latency == 0 {
		def.Latency = defaultLatency
	}
	sim := executor.NewSimulator(w.Seed, def)
	for tool, p := range w.Profiles {
		sim.SetProfile(tool, p)
	}

	reg := executor.NewRegistry(logger)
	reg.SetDefault(sim)
	for tool, command := range w.Commands {
		reg.Register(tool, executor.NewLocalExecutor(command, workDir, logger))
	}
	return reg, sim
}
