package trigger

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/flowmesh"
)

// Schedule declares one recurring message. Exactly one of Topic or
// Target must be set: Topic publishes to subscribers, Target sends
// directly to an executor.
type Schedule struct {
	// Name identifies the schedule in logs and must be unique within
	// a file.
	Name string `yaml:"name"`

	// Cron is a five-field cron expression or a descriptor such as
	// "@hourly" or "@every 30m", evaluated in UTC.
	Cron string `yaml:"cron"`

	// Topic is the topic to publish to.
	Topic flowmesh.TopicID `yaml:"topic,omitempty"`

	// Target is the executor to send to directly.
	Target flowmesh.ExecutorID `yaml:"target,omitempty"`

	// Type is the message type of the fired envelope.
	Type flowmesh.MessageType `yaml:"type"`

	// Payload is the envelope payload. Optional.
	Payload map[string]any `yaml:"payload,omitempty"`

	// Disabled suspends the schedule without removing it.
	Disabled bool `yaml:"disabled,omitempty"`
}

// Validate checks the schedule is well formed, including its cron
// expression.
func (s Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if _, err := parseCronExpressionUTC(s.Cron); err != nil {
		return fmt.Errorf("schedule %q: %w", s.Name, err)
	}
	if s.Type == "" {
		return fmt.Errorf("schedule %q: message type is required", s.Name)
	}
	hasTopic := s.Topic != ""
	hasTarget := s.Target != ""
	if hasTopic == hasTarget {
		return fmt.Errorf("schedule %q: exactly one of topic or target is required", s.Name)
	}
	return nil
}

// scheduleFile is the YAML document shape.
type scheduleFile struct {
	Schedules []Schedule `yaml:"schedules"`
}

// LoadSchedules reads and validates a YAML schedule file.
func LoadSchedules(path string) ([]Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule file: %w", err)
	}
	return ParseSchedules(data)
}

// ParseSchedules decodes and validates YAML schedule data.
func ParseSchedules(data []byte) ([]Schedule, error) {
	var file scheduleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode schedule file: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Schedules))
	for _, s := range file.Schedules {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("duplicate schedule name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return file.Schedules, nil
}
