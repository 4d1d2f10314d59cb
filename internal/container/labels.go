package container

import (
	"fmt"
	"strconv"
)

// Container labels are the authoritative identity of an agent. The
// lifecycle manager compares these against the declared config in the state
// store and recreates the container when they diverge.
const (
	LabelName              = "orch.agent.name"
	LabelOwner             = "orch.agent.owner"
	LabelKind              = "orch.agent.kind"
	LabelCPU               = "orch.agent.cpu"
	LabelMemory            = "orch.agent.memory"
	LabelAPIKeyMode        = "orch.agent.api_key_mode"
	LabelCapabilityProfile = "orch.agent.capability_profile"
)

// Identity is the decoded label set of an agent container.
type Identity struct {
	Name              string
	Owner             string
	Kind              string
	CPUs              float64
	MemoryMB          int64
	APIKeyMode        string
	CapabilityProfile Profile
}

// Labels encodes the identity as a container label map.
func (id Identity) Labels() map[string]string {
	return map[string]string{
		LabelName:              id.Name,
		LabelOwner:             id.Owner,
		LabelKind:              id.Kind,
		LabelCPU:               strconv.FormatFloat(id.CPUs, 'f', -1, 64),
		LabelMemory:            strconv.FormatInt(id.MemoryMB, 10),
		LabelAPIKeyMode:        id.APIKeyMode,
		LabelCapabilityProfile: string(id.CapabilityProfile),
	}
}

// ParseIdentity decodes an identity from container labels. A container
// without the name label is not ours.
func ParseIdentity(labels map[string]string) (*Identity, error) {
	name := labels[LabelName]
	if name == "" {
		return nil, fmt.Errorf("missing label %s", LabelName)
	}
	id := &Identity{
		Name:       name,
		Owner:      labels[LabelOwner],
		Kind:       labels[LabelKind],
		APIKeyMode: labels[LabelAPIKeyMode],
	}
	if raw := labels[LabelCPU]; raw != "" {
		cpus, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid label %s=%q: %w", LabelCPU, raw, err)
		}
		id.CPUs = cpus
	}
	if raw := labels[LabelMemory]; raw != "" {
		mem, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid label %s=%q: %w", LabelMemory, raw, err)
		}
		id.MemoryMB = mem
	}
	if raw := labels[LabelCapabilityProfile]; raw != "" {
		profile, err := ParseProfile(raw)
		if err != nil {
			return nil, err
		}
		id.CapabilityProfile = profile
	}
	return id, nil
}
