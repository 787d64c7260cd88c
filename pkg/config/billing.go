package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/recur/pkg/billing"
	"github.com/platinummonkey/recur/pkg/eventlog"
)

// Schedules are the cron specs of the scheduler jobs. An empty spec
// disables the job.
type Schedules struct {
	Daily    string `yaml:"daily"`
	Invoices string `yaml:"invoices"`
	Dunning  string `yaml:"dunning"`
	Archive  string `yaml:"archive"`
}

// Jobs returns the enabled jobs keyed by job name
func (s Schedules) Jobs() map[string]string {
	jobs := make(map[string]string)
	for name, spec := range map[string]string{
		string(billing.JobDaily):    s.Daily,
		string(billing.JobInvoices): s.Invoices,
		string(billing.JobDunning):  s.Dunning,
		eventlog.JobArchive:         s.Archive,
	} {
		if spec != "" {
			jobs[name] = spec
		}
	}
	return jobs
}

// BillingFile is the YAML billing configuration. Keys missing from the file
// keep their defaults.
type BillingFile struct {
	Pricing   billing.Pricing `yaml:"pricing"`
	Policy    billing.Policy  `yaml:"policy"`
	Schedules Schedules       `yaml:"schedules"`
}

// DefaultBillingFile returns the built in prices, policy and schedules
func DefaultBillingFile() *BillingFile {
	return &BillingFile{
		Pricing: billing.DefaultPricing(),
		Policy:  billing.DefaultPolicy(),
		Schedules: Schedules{
			Daily:   "0 2 * * *",
			Archive: "30 3 * * *",
		},
	}
}

// LoadBillingFile reads path over the defaults. An empty path returns the
// defaults.
func LoadBillingFile(path string) (*BillingFile, error) {
	file := DefaultBillingFile()
	if path == "" {
		return file, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read billing file: %w", err)
	}
	if err := yaml.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("failed to parse billing file %s: %w", path, err)
	}
	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("invalid billing file %s: %w", path, err)
	}
	return file, nil
}

// Validate checks prices, policy and cron specs
func (f *BillingFile) Validate() error {
	if err := f.Pricing.Validate(); err != nil {
		return fmt.Errorf("pricing: %w", err)
	}
	if err := f.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	jobs := f.Schedules.Jobs()
	if len(jobs) == 0 {
		return errors.New("schedules: at least one job must be scheduled")
	}
	for name, spec := range jobs {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("schedules: %s: %w", name, err)
		}
	}
	return nil
}
