package lifecycle

import (
	"fmt"
	"strings"

	"github.com/orchd/orchd/internal/container"
	"github.com/orchd/orchd/internal/store"
)

// Drift lists the tracked config fields on which the container diverges
// from the declared config. An empty result means start may proceed
// without recreating. Tracked fields: memory, cpu, API-key mode, mount
// set, and capability profile; the identity fields (owner, kind) are
// compared too since labels are authoritative.
func (m *Manager) Drift(agent *store.Agent, current *container.Inspection) []string {
	var drift []string

	id, err := container.ParseIdentity(current.Labels)
	if err != nil {
		// a container we cannot identify is always recreated
		return []string{"labels: " + err.Error()}
	}

	if id.Owner != agent.OwnerID {
		drift = append(drift, fmt.Sprintf("owner: %s != %s", id.Owner, agent.OwnerID))
	}
	if id.Kind != agent.Kind {
		drift = append(drift, fmt.Sprintf("kind: %s != %s", id.Kind, agent.Kind))
	}
	if id.CPUs != agent.CPUs {
		drift = append(drift, fmt.Sprintf("cpu: %g != %g", id.CPUs, agent.CPUs))
	}
	if id.MemoryMB != agent.MemoryMB {
		drift = append(drift, fmt.Sprintf("memory: %d != %d", id.MemoryMB, agent.MemoryMB))
	}
	if id.APIKeyMode != agent.APIKeyMode {
		drift = append(drift, fmt.Sprintf("api_key_mode: %s != %s", id.APIKeyMode, agent.APIKeyMode))
	}
	if string(id.CapabilityProfile) != agent.CapabilityProfile {
		drift = append(drift, fmt.Sprintf("capability_profile: %s != %s", id.CapabilityProfile, agent.CapabilityProfile))
	}
	if diff := mountDrift(m.mounts(agent), current.Mounts); diff != "" {
		drift = append(drift, "mounts: "+diff)
	}
	return drift
}

// mountDrift compares the managed bind mounts (workspace and shared
// folders) against the container's. Engine-added mounts like the profile
// tmpfs are ignored.
func mountDrift(want, have []container.Mount) string {
	haveByTarget := make(map[string]container.Mount, len(have))
	for _, mnt := range have {
		haveByTarget[mnt.Target] = mnt
	}

	managed := make(map[string]bool, len(want))
	for _, mnt := range want {
		managed[mnt.Target] = true
		got, ok := haveByTarget[mnt.Target]
		if !ok {
			return "missing " + mnt.Target
		}
		if got.Source != mnt.Source || got.ReadOnly != mnt.ReadOnly {
			return "changed " + mnt.Target
		}
	}
	for _, mnt := range have {
		if !managed[mnt.Target] && isManagedTarget(mnt.Target) {
			return "extra " + mnt.Target
		}
	}
	return ""
}

func isManagedTarget(target string) bool {
	return target == workspaceTarget || strings.HasPrefix(target, sharedTarget+"/")
}
