package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// ModeParams is the tunable parameter set for one strategy mode
// (Veloz/Moderado/Preciso). Defaults match spec.md §4.3; an operator
// may override them via a YAML file referenced by MODES_CONFIG_PATH
// without requiring a rebuild.
type ModeParams struct {
	Name          string  `yaml:"name"`
	Window        int     `yaml:"window"`
	ImbalanceMin  float64 `yaml:"imbalance_min"`
	ConfidenceMin float64 `yaml:"confidence_min"`
	// Pacing: for Veloz, minimum ticks since last operation;
	// for Moderado, minimum wall-clock seconds since last operation.
	// Preciso ignores both (quality-gated only).
	PacingTicks   int     `yaml:"pacing_ticks"`
	PacingSeconds float64 `yaml:"pacing_seconds"`
}

// ModesFile is the top-level document shape for a modes.yaml override.
type ModesFile struct {
	Veloz    ModeParams `yaml:"veloz"`
	Moderado ModeParams `yaml:"moderado"`
	Preciso  ModeParams `yaml:"preciso"`
}

// DefaultModes returns the mode parameter table from spec.md §4.3.
func DefaultModes() ModesFile {
	return ModesFile{
		Veloz: ModeParams{
			Name: "veloz", Window: 10, ImbalanceMin: 0.50, ConfidenceMin: 0.50,
			PacingTicks: 3,
		},
		Moderado: ModeParams{
			Name: "moderado", Window: 20, ImbalanceMin: 0.60, ConfidenceMin: 0.60,
			PacingSeconds: 17,
		},
		Preciso: ModeParams{
			Name: "preciso", Window: 50, ImbalanceMin: 0.70, ConfidenceMin: 0.70,
		},
	}
}

// LoadModes returns DefaultModes unless path is non-empty, in which case
// it reads a YAML override and merges it field-by-field over the
// defaults (a zero value in the override leaves the default in place).
func LoadModes(path string) (ModesFile, error) {
	modes := DefaultModes()
	if path == "" {
		return modes, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return modes, err
	}

	var override ModesFile
	if err := yaml.Unmarshal(data, &override); err != nil {
		return modes, err
	}

	mergeMode(&modes.Veloz, override.Veloz)
	mergeMode(&modes.Moderado, override.Moderado)
	mergeMode(&modes.Preciso, override.Preciso)
	return modes, nil
}

func mergeMode(base *ModeParams, override ModeParams) {
	if override.Window != 0 {
		base.Window = override.Window
	}
	if override.ImbalanceMin != 0 {
		base.ImbalanceMin = override.ImbalanceMin
	}
	if override.ConfidenceMin != 0 {
		base.ConfidenceMin = override.ConfidenceMin
	}
	if override.PacingTicks != 0 {
		base.PacingTicks = override.PacingTicks
	}
	if override.PacingSeconds != 0 {
		base.PacingSeconds = override.PacingSeconds
	}
}
