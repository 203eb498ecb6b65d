// Package config loads and validates the immutable study configuration:
// sync specs, task definitions, step flows, and policies. Supplied once
// at process start; there is no runtime reconfiguration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clearwell/studykit/internal/flow"
	"github.com/clearwell/studykit/internal/syncer"
	"github.com/clearwell/studykit/internal/task"
)

// Config is the root of the study configuration file.
type Config struct {
	// Timezone for day-window evaluation, e.g. "America/Sao_Paulo".
	// Empty means the process-local timezone.
	Timezone string `yaml:"timezone"`

	Backend  Backend    `yaml:"backend"`
	Policies Policies   `yaml:"policies"`
	Sync     []SyncSpec `yaml:"sync"`
	Tasks    []TaskDef  `yaml:"tasks"`
	Flows    []FlowDef  `yaml:"flows"`
}

// Backend locates the remote study platform.
type Backend struct {
	Endpoint  string `yaml:"endpoint"`
	ProjectID string `yaml:"project_id"`
}

// Policies holds the study's configurable behavior points.
type Policies struct {
	// MissedTask decides what happens to an uncompleted elapsed task:
	// "cancel" (default) or "keep".
	MissedTask string `yaml:"missed_task"`

	// RetainAnswers keeps completed flow answers in the local store for
	// auditing. Defaults to true.
	RetainAnswers *bool `yaml:"retain_answers"`

	// RetryBase, RetryCap, and RetryMaxAttempts tune the delivery backoff.
	// Zero values fall back to the platform defaults.
	RetryBase        Duration `yaml:"retry_base"`
	RetryCap         Duration `yaml:"retry_cap"`
	RetryMaxAttempts int      `yaml:"retry_max_attempts"`
}

// SyncSpec is the file form of one sync cadence entry.
type SyncSpec struct {
	DataType string `yaml:"data_type"`
	Interval int    `yaml:"interval"`
	Unit     string `yaml:"unit"` // "seconds" | "minutes" | "hours"
}

// TaskDef is the file form of one task definition.
type TaskDef struct {
	ID          string    `yaml:"id"`
	Title       string    `yaml:"title"`
	Description string    `yaml:"description"`
	DataTypes   []string  `yaml:"data_types"`
	StartAt     time.Time `yaml:"start_at"`
	Every       Duration  `yaml:"every"`
	Window      Duration  `yaml:"window"`
}

// FlowDef is the file form of one step flow.
type FlowDef struct {
	ID    string      `yaml:"id"`
	Entry string      `yaml:"entry"`
	Steps []flow.Step `yaml:"steps"`
}

// Load reads and validates a study configuration file. Any defect
// (unparseable YAML, a malformed flow graph, a non-positive interval)
// is fatal: the configuration must not be allowed to run.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// validate checks everything that can be checked without running.
// Flow graphs are validated by constructing them, so defects like cycles
// and unreachable steps are caught here at startup.
func (c *Config) validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}

	seenTypes := map[string]bool{}
	for _, s := range c.Sync {
		if s.DataType == "" {
			return fmt.Errorf("sync spec with empty data type")
		}
		if seenTypes[s.DataType] {
			return fmt.Errorf("duplicate sync spec for data type %q", s.DataType)
		}
		seenTypes[s.DataType] = true
		if s.Interval <= 0 {
			return fmt.Errorf("sync spec %q: interval must be positive", s.DataType)
		}
		if _, err := unitDuration(s.Unit); err != nil {
			return fmt.Errorf("sync spec %q: %w", s.DataType, err)
		}
	}

	seenTasks := map[string]bool{}
	for _, t := range c.Tasks {
		if t.ID == "" {
			return fmt.Errorf("task definition with empty id")
		}
		if seenTasks[t.ID] {
			return fmt.Errorf("duplicate task definition %q", t.ID)
		}
		seenTasks[t.ID] = true
		if t.Window <= 0 {
			return fmt.Errorf("task %q: window must be positive", t.ID)
		}
		if t.Every < 0 {
			return fmt.Errorf("task %q: recurrence period must not be negative", t.ID)
		}
		if t.Every == 0 && t.StartAt.IsZero() {
			return fmt.Errorf("task %q: one-off task needs start_at", t.ID)
		}
	}

	if _, err := c.BuildFlows(); err != nil {
		return err
	}
	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// BuildFlows constructs the validated flow graphs.
func (c *Config) BuildFlows() ([]*flow.Flow, error) {
	seen := map[string]bool{}
	flows := make([]*flow.Flow, 0, len(c.Flows))
	for _, fd := range c.Flows {
		if seen[fd.ID] {
			return nil, fmt.Errorf("duplicate flow %q", fd.ID)
		}
		seen[fd.ID] = true
		f, err := flow.New(fd.ID, fd.Entry, fd.Steps)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, nil
}

// TaskDefinitions converts the configured tasks to engine definitions.
func (c *Config) TaskDefinitions() []task.Definition {
	defs := make([]task.Definition, 0, len(c.Tasks))
	for _, t := range c.Tasks {
		defs = append(defs, task.Definition{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			DataTypes:   t.DataTypes,
			StartAt:     t.StartAt,
			Every:       t.Every.Std(),
			Window:      t.Window.Std(),
		})
	}
	return defs
}

// SyncSpecs converts the configured cadences to scheduler specs.
func (c *Config) SyncSpecs() ([]syncer.Spec, error) {
	specs := make([]syncer.Spec, 0, len(c.Sync))
	for _, s := range c.Sync {
		unit, err := unitDuration(s.Unit)
		if err != nil {
			return nil, fmt.Errorf("sync spec %q: %w", s.DataType, err)
		}
		specs = append(specs, syncer.Spec{
			DataType: s.DataType,
			Interval: time.Duration(s.Interval) * unit,
		})
	}
	return specs, nil
}

// MissedPolicy returns the configured missed-task policy.
func (c *Config) MissedPolicy() (task.MissedPolicy, error) {
	switch c.Policies.MissedTask {
	case "", "cancel":
		return task.MissedCancel, nil
	case "keep":
		return task.MissedKeep, nil
	default:
		return "", fmt.Errorf("unknown missed_task policy %q", c.Policies.MissedTask)
	}
}

// RetainAnswers reports whether completed flow answers are persisted.
func (c *Config) RetainAnswers() bool {
	if c.Policies.RetainAnswers == nil {
		return true
	}
	return *c.Policies.RetainAnswers
}

// Backoff returns the delivery retry policy with defaults applied.
func (c *Config) Backoff() syncer.Backoff {
	b := syncer.DefaultBackoff
	if c.Policies.RetryBase > 0 {
		b.Base = c.Policies.RetryBase.Std()
	}
	if c.Policies.RetryCap > 0 {
		b.Cap = c.Policies.RetryCap.Std()
	}
	if c.Policies.RetryMaxAttempts > 0 {
		b.MaxAttempts = c.Policies.RetryMaxAttempts
	}
	return b
}

// unitDuration maps a sync spec unit name to its duration.
func unitDuration(unit string) (time.Duration, error) {
	switch unit {
	case "seconds":
		return time.Second, nil
	case "minutes":
		return time.Minute, nil
	case "hours":
		return time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown time unit %q", unit)
	}
}
