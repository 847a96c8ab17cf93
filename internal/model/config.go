package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogFormatJSON = "json"
	LogFormatText = "text"

	RuleKindSet   = "set"
	RuleKindCount = "count"

	FieldCurrent = "current"
	FieldTotal   = "total"
	FieldLabel   = "label"
)

const (
	DefaultMaxWait          = 300 * time.Second
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultDispatchInterval = 5 * time.Second
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version     int                 `json:"version" yaml:"version"`
	Service     Service             `json:"service" yaml:"service"`
	Accelerator Accelerator         `json:"accelerator" yaml:"accelerator"`
	Dispatch    Dispatch            `json:"dispatch" yaml:"dispatch"`
	Vars        map[string]string   `json:"vars,omitempty" yaml:"vars,omitempty"`
	Steps       []Step              `json:"steps" yaml:"steps"`
	Sequences   map[string][]string `json:"sequences,omitempty" yaml:"sequences,omitempty"`
	Auto        *Auto               `json:"auto,omitempty" yaml:"auto,omitempty"`
}

// Service holds process wide settings.
type Service struct {
	Verbose   bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	LogFormat string `json:"log_format,omitempty" yaml:"log_format,omitempty"` // "json" | "text"
	Database  string `json:"database,omitempty" yaml:"database,omitempty"`     // sqlite path, empty disables history
	Metrics   string `json:"metrics,omitempty" yaml:"metrics,omitempty"`       // listen address for /metrics
}

// Accelerator configures the exclusive resource arbiter.
type Accelerator struct {
	MaxWait      string `json:"max_wait,omitempty" yaml:"max_wait,omitempty"`
	PollInterval string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
}

func (a Accelerator) MaxWaitDuration() time.Duration {
	return durationOr(a.MaxWait, DefaultMaxWait)
}

func (a Accelerator) PollIntervalDuration() time.Duration {
	return durationOr(a.PollInterval, DefaultPollInterval)
}

type Dispatch struct {
	Interval string `json:"interval,omitempty" yaml:"interval,omitempty"`
}

func (d Dispatch) IntervalDuration() time.Duration {
	return durationOr(d.Interval, DefaultDispatchInterval)
}

// Step is an entry of the step catalog. Command items may reference
// placeholders in the {name} form, resolved at launch time.
type Step struct {
	Name        string            `json:"name" yaml:"name"`
	DisplayName string            `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Command     []string          `json:"command" yaml:"command"`
	Dir         string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Accelerator bool              `json:"accelerator,omitempty" yaml:"accelerator,omitempty"`
	Timeout     string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Progress    []ProgressRule    `json:"progress,omitempty" yaml:"progress,omitempty"`
}

// TimeoutDuration returns zero when the step has no timeout.
func (s Step) TimeoutDuration() time.Duration {
	return durationOr(s.Timeout, 0)
}

// ProgressRule maps capture groups of Pattern to progress fields.
// Kind "set" assigns the groups in Fields order, kind "count" adds one to
// the current counter per matching line and takes the label from Fields.
type ProgressRule struct {
	Kind    string   `json:"kind,omitempty" yaml:"kind,omitempty"`
	Pattern string   `json:"pattern" yaml:"pattern"`
	Fields  []string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Auto schedules a sequence as an automatic run.
type Auto struct {
	Sequence string `json:"sequence" yaml:"sequence"`
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Every    string `json:"every,omitempty" yaml:"every,omitempty"`
}

func (a Auto) EveryDuration() time.Duration {
	return durationOr(a.Every, 0)
}

// LoadConfig validates YAML from r against CUE schema, decodes it into Config
// and checks the cross references CUE cannot express.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("conductor.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate checks step names, durations, progress patterns and the
// references between sequences, auto mode and steps.
func (c Config) Validate() error {
	if c.Version != 0 {
		return fmt.Errorf("config version %d is not supported, expected 0", c.Version)
	}
	if len(c.Steps) == 0 {
		return errors.New("steps: at least one step is required")
	}

	var errs []error
	check := func(path, value string) {
		if value == "" {
			return
		}
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	check("accelerator.max_wait", c.Accelerator.MaxWait)
	check("accelerator.poll_interval", c.Accelerator.PollInterval)
	check("dispatch.interval", c.Dispatch.Interval)

	names := make(map[string]struct{}, len(c.Steps))
	for i, step := range c.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if step.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name: empty", path))
			continue
		}
		if _, ok := names[step.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name: duplicate step %q", path, step.Name))
		}
		names[step.Name] = struct{}{}
		if len(step.Command) == 0 || step.Command[0] == "" {
			errs = append(errs, fmt.Errorf("%s.command: missing", path))
		}
		check(path+".timeout", step.Timeout)
		for j, rule := range step.Progress {
			if err := rule.check(); err != nil {
				errs = append(errs, fmt.Errorf("%s.progress[%d]: %w", path, j, err))
			}
		}
	}

	for name, steps := range c.Sequences {
		for _, s := range steps {
			if _, ok := names[s]; !ok {
				errs = append(errs, fmt.Errorf("sequences.%s: unknown step %q", name, s))
			}
		}
	}

	if c.Auto != nil {
		errs = append(errs, c.Auto.check(c.Sequences))
	}
	return errors.Join(errs...)
}

// Step returns the catalog entry named name.
func (c Config) Step(name string) (Step, bool) {
	for _, s := range c.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// Sequence returns the steps of the named sequence. An unknown name that
// matches a step is treated as a sequence of that single step.
func (c Config) Sequence(name string) ([]string, error) {
	if steps, ok := c.Sequences[name]; ok {
		return append([]string(nil), steps...), nil
	}
	if _, ok := c.Step(name); ok {
		return []string{name}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSequence, name)
}

func (r ProgressRule) check() error {
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return err
	}
	switch r.Kind {
	case "", RuleKindSet:
		if len(r.Fields) == 0 {
			return errors.New("set rule without fields")
		}
	case RuleKindCount:
		if len(r.Fields) > 1 || (len(r.Fields) == 1 && r.Fields[0] != FieldLabel) {
			return errors.New("count rule accepts only the label field")
		}
	default:
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	if re.NumSubexp() < len(r.Fields) {
		return fmt.Errorf("pattern has %d groups, %d fields requested", re.NumSubexp(), len(r.Fields))
	}
	return nil
}

func (a Auto) check(sequences map[string][]string) error {
	if _, ok := sequences[a.Sequence]; !ok {
		return fmt.Errorf("auto.sequence: unknown sequence %q", a.Sequence)
	}
	switch {
	case a.Cron != "" && a.Every != "":
		return errors.New("auto: cron and every are mutually exclusive")
	case a.Cron != "":
		if _, err := ParseCron(a.Cron); err != nil {
			return fmt.Errorf("auto.cron: %w", err)
		}
	case a.Every != "":
		d, err := time.ParseDuration(a.Every)
		if err != nil {
			return fmt.Errorf("auto.every: %w", err)
		}
		if d <= 0 {
			return errors.New("auto.every: must be positive")
		}
	default:
		return errors.New("auto: both cron and every are empty")
	}
	return nil
}

// DefaultConfig returns the catalog written on first start.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Service: Service{
			LogFormat: LogFormatJSON,
			Database:  "conductor.db",
		},
		Accelerator: Accelerator{
			MaxWait:      DefaultMaxWait.String(),
			PollInterval: DefaultPollInterval.String(),
		},
		Dispatch: Dispatch{
			Interval: DefaultDispatchInterval.String(),
		},
		Vars: map[string]string{
			"input_file": "",
		},
		Steps: []Step{
			{
				Name:        "scene_cut",
				DisplayName: "Scene detection",
				Command:     []string{"python3", "scene_detect.py", "{input_file}"},
				Progress: []ProgressRule{
					{Kind: RuleKindSet, Pattern: `Total: (\d+)`, Fields: []string{FieldTotal}},
					{Kind: RuleKindSet, Pattern: `Current: (\d+) - (.*)`, Fields: []string{FieldCurrent, FieldLabel}},
				},
			},
			{
				Name:        "analyze_audio",
				DisplayName: "Audio analysis",
				Command:     []string{"python3", "analyze_audio.py", "{input_file}"},
				Accelerator: true,
			},
			{
				Name:        "tracking",
				DisplayName: "Tracking",
				Command:     []string{"python3", "run_tracking.py"},
				Accelerator: true,
				Progress: []ProgressRule{
					{Kind: RuleKindSet, Pattern: `TOTAL_TRACKING_JOBS: (\d+)`, Fields: []string{FieldTotal}},
					{Kind: RuleKindCount, Pattern: `Success: (.*)`, Fields: []string{FieldLabel}},
				},
			},
			{
				Name:        "minify_json",
				DisplayName: "JSON minification",
				Command:     []string{"python3", "minify_json.py", "{input_file}"},
			},
		},
		Sequences: map[string][]string{
			"full": {"scene_cut", "analyze_audio", "tracking", "minify_json"},
		},
	}
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
