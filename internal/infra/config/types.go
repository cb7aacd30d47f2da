package config

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where pricefeed operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

func (e Environment) valid() bool {
	switch e {
	case EnvDev, EnvStaging, EnvProd:
		return true
	default:
		return false
	}
}

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

const defaultFanoutWorkers = 4

// FanoutWorkerSetting encapsulates a worker count that may be numeric or symbolic ("auto", "default").
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// FanoutWorkers returns an explicit worker setting.
func FanoutWorkers(n int) FanoutWorkerSetting {
	return FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: n}
}

// FanoutWorkersAuto returns a setting that resolves to the number of CPUs.
func FanoutWorkersAuto() FanoutWorkerSetting {
	return FanoutWorkerSetting{kind: fanoutWorkerAuto}
}

// UnmarshalYAML supports integer, "auto", and "default" values.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{}
		return nil
	}
	parsed, err := parseFanoutWorkers(node.Value)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalYAML renders the setting back to its textual form.
func (s FanoutWorkerSetting) MarshalYAML() (any, error) {
	return s.String(), nil
}

func (s FanoutWorkerSetting) String() string {
	switch s.kind {
	case fanoutWorkerExplicit:
		return strconv.Itoa(s.value)
	case fanoutWorkerAuto:
		return "auto"
	default:
		return "default"
	}
}

// Count returns the effective worker count derived from the setting.
func (s FanoutWorkerSetting) Count() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return defaultFanoutWorkers
	default:
		return defaultFanoutWorkers
	}
}

func parseFanoutWorkers(raw string) (FanoutWorkerSetting, error) {
	text := strings.TrimSpace(raw)
	switch strings.ToLower(text) {
	case "":
		return FanoutWorkerSetting{kind: fanoutWorkerUnset}, nil
	case "auto":
		return FanoutWorkerSetting{kind: fanoutWorkerAuto}, nil
	case "default":
		return FanoutWorkerSetting{kind: fanoutWorkerDefault}, nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return FanoutWorkerSetting{}, fmt.Errorf("fanoutWorkers: invalid value %q", raw)
	}
	if val <= 0 {
		return FanoutWorkerSetting{}, fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	return FanoutWorkerSetting{kind: fanoutWorkerExplicit, value: val}, nil
}
