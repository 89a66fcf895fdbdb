// file.go loads wave plans from a YAML plans file.
package plan

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// filePlans is the top-level document shape of a plans file.
type filePlans struct {
	Plans []filePlan `yaml:"plans"`
}

type filePlan struct {
	Name  string     `yaml:"name"`
	Waves []fileWave `yaml:"waves"`
	Final *fileTask  `yaml:"final,omitempty"`
}

type fileWave struct {
	Name  string     `yaml:"name"`
	Tasks []fileTask `yaml:"tasks"`
}

type fileTask struct {
	Name    string   `yaml:"name"`
	Command []string `yaml:"command"`
	Dir     string   `yaml:"dir,omitempty"`
	Timeout int      `yaml:"timeout,omitempty"` // seconds; 0 inherits the configured default
}

// LoadFile parses a YAML plans file. Every task in a plans file runs as an
// external command; tasks that declare no timeout get defaultTimeout. All
// plans must validate or the whole load fails, so a bad edit never
// half-replaces a registry.
func LoadFile(path string, defaultTimeout time.Duration) ([]*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}

	var doc filePlans
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse plans file: %w", err)
	}

	if len(doc.Plans) == 0 {
		return nil, fmt.Errorf("plans file %s defines no plans", path)
	}

	plans := make([]*Plan, 0, len(doc.Plans))
	for _, fp := range doc.Plans {
		p := &Plan{Name: fp.Name}
		for _, fw := range fp.Waves {
			w := Wave{Name: fw.Name}
			for _, ft := range fw.Tasks {
				w.Tasks = append(w.Tasks, TaskSpec{Name: ft.Name, Run: ft.executor(defaultTimeout)})
			}
			p.Waves = append(p.Waves, w)
		}
		if fp.Final != nil {
			p.Final = &TaskSpec{Name: fp.Final.Name, Run: fp.Final.executor(defaultTimeout)}
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}

	return plans, nil
}

func (ft fileTask) executor(defaultTimeout time.Duration) Executor {
	if len(ft.Command) == 0 {
		return nil // caught by Validate
	}
	timeout := time.Duration(ft.Timeout) * time.Second
	if ft.Timeout == 0 {
		timeout = defaultTimeout
	}
	return &Command{
		Args:    ft.Command,
		Dir:     ft.Dir,
		Timeout: timeout,
	}
}
