package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/svrl/svrl/internal/launcher"
	"github.com/svrl/svrl/internal/logger"
	"github.com/svrl/svrl/internal/proctable"
)

// EnvisionProfile is the subset of an Envision user profile svrl reads
type EnvisionProfile struct {
	UUID   string `json:"uuid"`
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
}

type envisionConfig struct {
	SelectedProfileUUID string            `json:"selected_profile_uuid"`
	UserProfiles        []EnvisionProfile `json:"user_profiles"`
}

// LoadEnvisionProfile reads the profile with the given id from Envision's
// configuration file
func LoadEnvisionProfile(configPath string, id uuid.UUID) (EnvisionProfile, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return EnvisionProfile{}, fmt.Errorf("failed to read envision configuration: %w", err)
	}

	var cfg envisionConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return EnvisionProfile{}, fmt.Errorf("failed to parse envision configuration: %w", err)
	}

	for _, p := range cfg.UserProfiles {
		pid, err := uuid.Parse(p.UUID)
		if err == nil && pid == id {
			return p, nil
		}
	}
	return EnvisionProfile{}, fmt.Errorf("%w: envision profile %s not found", ErrUnsupported, id)
}

// Envision runs the WiVRn server built into an Envision profile prefix
type Envision struct {
	*WiVRn
	profile EnvisionProfile
	id      uuid.UUID
}

// NewEnvision loads profile id from configPath and wraps the profile's
// wivrn-server
func NewEnvision(configPath string, id uuid.UUID, opts Options, link DeviceLink, procs proctable.Table, log *logger.Logger) (*Envision, error) {
	profile, err := LoadEnvisionProfile(configPath, id)
	if err != nil {
		return nil, err
	}

	server := filepath.Join(profile.Prefix, "bin", serverProcessName)
	if _, err := os.Stat(server); err != nil {
		return nil, fmt.Errorf("no wivrn server in envision prefix %s: %w", profile.Prefix, err)
	}

	w, err := NewWiVRn(server, opts, link, procs, log)
	if err != nil {
		return nil, err
	}
	return &Envision{WiVRn: w, profile: profile, id: id}, nil
}

// Type returns "envision:<uuid>"
func (e *Envision) Type() string {
	return Variant{Kind: KindEnvision, Profile: e.id}.String()
}

// Profile returns the Envision profile in use
func (e *Envision) Profile() EnvisionProfile {
	return e.profile
}

// LaunchModifiers uses the manifest installed in the profile prefix
func (e *Envision) LaunchModifiers() ([]launcher.Modifier, error) {
	manifest := filepath.Join(e.profile.Prefix, "share", "openxr", "1", "openxr_wivrn.json")
	return e.runtimeModifiers(manifest)
}
