package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"regcycle/internal/domain"
)

// Config models regcycle.yml.
type Config struct {
	Phases      []PhaseConfig     `yaml:"phases"`
	Assignments AssignmentsConfig `yaml:"assignments"`
	SLA         SLAConfig         `yaml:"sla"`
	Approval    ApprovalConfig    `yaml:"approval"`
}

// PhaseConfig declares one of the nine fixed phases and its activity
// template. Order in the slice is the phase ordering.
type PhaseConfig struct {
	Name         string           `yaml:"name"`
	DisplayName  string           `yaml:"display_name"`
	DurationDays int              `yaml:"duration_days"`
	Activities   []ActivityConfig `yaml:"activities"`
}

// ActivityConfig is the template for one activity within a phase.
type ActivityConfig struct {
	Code             string   `yaml:"code"`
	DisplayName      string   `yaml:"display_name"`
	Order            int      `yaml:"order"`
	DependsOn        []string `yaml:"depends_on"`
	CanSkip          bool     `yaml:"can_skip"`
	SkipWhen         string   `yaml:"skip_when"`
	RequiredRole     string   `yaml:"required_role"`
	Manual           *bool    `yaml:"manual"`
	RequiresApproval bool     `yaml:"requires_approval"`
	ApprovalRole     string   `yaml:"approval_role"`
}

type AssignmentsConfig struct {
	DefaultPriority string         `yaml:"default_priority"`
	DueDays         map[string]int `yaml:"due_days"`
}

type SLAConfig struct {
	AtRiskLeadDays     int    `yaml:"at_risk_lead_days"`
	EscalationRole     string `yaml:"escalation_role"`
	EscalationDueDays  int    `yaml:"escalation_due_days"`
	EscalationPriority string `yaml:"escalation_priority"`
}

// ApprovalConfig controls whether activity completions resolve without a
// human approver.
type ApprovalConfig struct {
	AutoApprove        bool     `yaml:"auto_approve"`
	ExemptContextTypes []string `yaml:"exempt_context_types"`
}

const RequiredPhaseCount = 9

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Phases) != RequiredPhaseCount {
		return fmt.Errorf("config.phases must declare exactly %d phases, got %d", RequiredPhaseCount, len(c.Phases))
	}
	seenPhase := map[string]bool{}
	for _, p := range c.Phases {
		if p.Name == "" {
			return fmt.Errorf("config.phases contains phase with empty name")
		}
		if seenPhase[p.Name] {
			return fmt.Errorf("duplicate phase %s", p.Name)
		}
		seenPhase[p.Name] = true
		if p.DurationDays <= 0 {
			return fmt.Errorf("phase %s: duration_days must be positive", p.Name)
		}
		if len(p.Activities) == 0 {
			return fmt.Errorf("phase %s declares no activities", p.Name)
		}
		codes := map[string]bool{}
		for _, a := range p.Activities {
			if a.Code == "" {
				return fmt.Errorf("phase %s: activity with empty code", p.Name)
			}
			if codes[a.Code] {
				return fmt.Errorf("phase %s: duplicate activity code %s", p.Name, a.Code)
			}
			codes[a.Code] = true
			switch a.SkipWhen {
			case domain.SkipNever, domain.SkipWhenDataSourcePresent:
			default:
				return fmt.Errorf("phase %s activity %s: unknown skip_when %q", p.Name, a.Code, a.SkipWhen)
			}
			if a.SkipWhen != domain.SkipNever && !a.CanSkip {
				return fmt.Errorf("phase %s activity %s: skip_when requires can_skip", p.Name, a.Code)
			}
			if a.RequiresApproval && a.ApprovalRole == "" {
				return fmt.Errorf("phase %s activity %s: requires_approval needs approval_role", p.Name, a.Code)
			}
		}
		// dependency codes must resolve within the same phase
		for _, a := range p.Activities {
			for _, dep := range a.DependsOn {
				if !codes[dep] {
					return fmt.Errorf("phase %s activity %s: unknown dependency %s", p.Name, a.Code, dep)
				}
				if dep == a.Code {
					return fmt.Errorf("phase %s activity %s: depends on itself", p.Name, a.Code)
				}
			}
		}
	}
	if c.SLA.EscalationRole == "" {
		return fmt.Errorf("config.sla.escalation_role is required")
	}
	if c.SLA.AtRiskLeadDays < 0 {
		return fmt.Errorf("config.sla.at_risk_lead_days must not be negative")
	}
	for typ, days := range c.Assignments.DueDays {
		if days <= 0 {
			return fmt.Errorf("config.assignments.due_days.%s must be positive", typ)
		}
	}
	return nil
}

// Phase returns the config block for a phase name.
func (c *Config) Phase(name string) (PhaseConfig, bool) {
	for _, p := range c.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return PhaseConfig{}, false
}

// PhaseNames returns the configured phase names in order.
func (c *Config) PhaseNames() []string {
	names := make([]string, 0, len(c.Phases))
	for _, p := range c.Phases {
		names = append(names, p.Name)
	}
	return names
}

// Definitions converts one phase's activity templates to domain definitions
// sorted by order.
func (p PhaseConfig) Definitions() []domain.ActivityDefinition {
	defs := make([]domain.ActivityDefinition, 0, len(p.Activities))
	for _, a := range p.Activities {
		manual := true
		if a.Manual != nil {
			manual = *a.Manual
		}
		defs = append(defs, domain.ActivityDefinition{
			Phase:            p.Name,
			Code:             a.Code,
			DisplayName:      a.DisplayName,
			Order:            a.Order,
			DependsOn:        append([]string(nil), a.DependsOn...),
			CanSkip:          a.CanSkip,
			SkipWhen:         a.SkipWhen,
			RequiredRole:     a.RequiredRole,
			Manual:           manual,
			RequiresApproval: a.RequiresApproval,
			ApprovalRole:     a.ApprovalRole,
		})
	}
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].Order < defs[j].Order })
	return defs
}

// DueDays returns the configured due window for an assignment type, with a
// fallback so assignments never start without a deadline.
func (c *Config) DueDays(assignmentType string) int {
	if d, ok := c.Assignments.DueDays[assignmentType]; ok {
		return d
	}
	return 7
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "regcycle.yml")
}

// Load reads and validates config from workspace, falling back to the
// built-in default when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in nine-phase template.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("built-in config template invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML for regcycle.yml.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `phases:
  - name: planning
    display_name: Planning
    duration_days: 14
    activities:
      - code: capture_attributes
        display_name: "Capture planning attributes"
        order: 1
        required_role: tester
      - code: define_approach
        display_name: "Define test approach"
        order: 2
        depends_on: [capture_attributes]
        required_role: tester
      - code: approve_plan
        display_name: "Approve test plan"
        order: 3
        depends_on: [define_approach]
        required_role: tester
        requires_approval: true
        approval_role: test_lead

  - name: data_profiling
    display_name: Data Profiling
    duration_days: 10
    activities:
      - code: start
        display_name: "Start data profiling"
        order: 1
        required_role: tester
      - code: upload
        display_name: "Upload source files"
        order: 2
        depends_on: [start]
        can_skip: true
        skip_when: data_source_configured
        required_role: data_owner
      - code: generate_rules
        display_name: "Generate profiling rules"
        order: 3
        depends_on: [start]
        required_role: tester
      - code: review
        display_name: "Review profiling results"
        order: 4
        depends_on: [generate_rules]
        required_role: test_lead
        requires_approval: true
        approval_role: report_owner

  - name: scoping
    display_name: Scoping
    duration_days: 7
    activities:
      - code: select_attributes
        display_name: "Select in-scope attributes"
        order: 1
        required_role: tester
      - code: approve_scope
        display_name: "Approve scope"
        order: 2
        depends_on: [select_attributes]
        required_role: tester
        requires_approval: true
        approval_role: report_owner

  - name: sample_selection
    display_name: Sample Selection
    duration_days: 7
    activities:
      - code: generate_samples
        display_name: "Generate samples"
        order: 1
        required_role: tester
      - code: review_samples
        display_name: "Review samples"
        order: 2
        depends_on: [generate_samples]
        required_role: test_lead

  - name: data_owner_identification
    display_name: Data Owner Identification
    duration_days: 5
    activities:
      - code: identify_owners
        display_name: "Identify data owners"
        order: 1
        required_role: tester
      - code: confirm_owners
        display_name: "Confirm data owners"
        order: 2
        depends_on: [identify_owners]
        required_role: data_executive

  - name: request_for_information
    display_name: Request for Information
    duration_days: 14
    activities:
      - code: issue_requests
        display_name: "Issue information requests"
        order: 1
        required_role: tester
      - code: collect_evidence
        display_name: "Collect evidence"
        order: 2
        depends_on: [issue_requests]
        required_role: data_owner
      - code: validate_evidence
        display_name: "Validate evidence"
        order: 3
        depends_on: [collect_evidence]
        required_role: tester

  - name: test_execution
    display_name: Test Execution
    duration_days: 21
    activities:
      - code: execute_tests
        display_name: "Execute tests"
        order: 1
        required_role: tester
      - code: document_results
        display_name: "Document results"
        order: 2
        depends_on: [execute_tests]
        required_role: tester
      - code: review_results
        display_name: "Review results"
        order: 3
        depends_on: [document_results]
        required_role: test_lead
        requires_approval: true
        approval_role: report_owner

  - name: observation_management
    display_name: Observation Management
    duration_days: 14
    activities:
      - code: raise_observations
        display_name: "Raise observations"
        order: 1
        can_skip: true
        required_role: tester
      - code: rate_observations
        display_name: "Rate observations"
        order: 2
        depends_on: [raise_observations]
        can_skip: true
        required_role: test_lead
      - code: approve_observations
        display_name: "Approve observations"
        order: 3
        depends_on: [rate_observations]
        can_skip: true
        required_role: test_lead
        requires_approval: true
        approval_role: report_owner

  - name: finalize_test_report
    display_name: Finalize Test Report
    duration_days: 7
    activities:
      - code: compile_report
        display_name: "Compile test report"
        order: 1
        required_role: tester
      - code: approve_report
        display_name: "Approve test report"
        order: 2
        depends_on: [compile_report]
        required_role: test_lead
        requires_approval: true
        approval_role: report_owner

assignments:
  default_priority: medium
  due_days:
    review: 5
    approval: 3
    data_upload: 7
    assign: 7
    escalation: 2

sla:
  at_risk_lead_days: 3
  escalation_role: test_executive
  escalation_due_days: 2
  escalation_priority: high

approval:
  auto_approve: false
  exempt_context_types: []
`
