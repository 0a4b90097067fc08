package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TenantProfile is a per-tenant trust configuration profile.
type TenantProfile struct {
	TenantID               string    `yaml:"tenant_id" json:"tenant_id"`
	DisplayName            string    `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	NamespaceVector        []float64 `yaml:"namespace_vector" json:"namespace_vector"`
	ContaminationThreshold float64   `yaml:"contamination_threshold" json:"contamination_threshold"`
	DriftPValueThreshold   float64   `yaml:"drift_pvalue_threshold" json:"drift_pvalue_threshold"`
	RetrievalTopK          int       `yaml:"retrieval_top_k" json:"retrieval_top_k"`
	ExportEnabled          bool      `yaml:"export_enabled" json:"export_enabled"`
}

// applyDefaults fills unset thresholds from the process-level defaults.
func (p *TenantProfile) applyDefaults(defaults *Config) {
	if p.ContaminationThreshold == 0 {
		p.ContaminationThreshold = defaults.ContaminationThreshold
	}
	if p.DriftPValueThreshold == 0 {
		p.DriftPValueThreshold = defaults.DriftPValueThreshold
	}
	if p.RetrievalTopK == 0 {
		p.RetrievalTopK = 3
	}
}

// LoadTenantProfile loads a tenant profile YAML by tenant id.
// It searches the profiles directory for profile_<tenant>.yaml.
func LoadTenantProfile(profilesDir, tenantID string, defaults *Config) (*TenantProfile, error) {
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", strings.ToLower(tenantID)))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tenant profile %q: %w", tenantID, err)
	}

	var profile TenantProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse tenant profile %q: %w", tenantID, err)
	}

	if profile.TenantID == "" {
		profile.TenantID = tenantID
	}
	profile.applyDefaults(defaults)

	return &profile, nil
}

// LoadAllTenantProfiles loads every profile_*.yaml from the profiles
// directory, keyed by tenant id.
func LoadAllTenantProfiles(profilesDir string, defaults *Config) (map[string]*TenantProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*TenantProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile TenantProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.TenantID == "" {
			base := filepath.Base(path)
			profile.TenantID = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profile.applyDefaults(defaults)

		profiles[profile.TenantID] = &profile
	}

	return profiles, nil
}
