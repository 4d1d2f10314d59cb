package container

import "fmt"

// Profile is a named capability preset. Every creation path routes through
// one of the two presets; ad-hoc capability lists are not representable.
type Profile string

const (
	// ProfileRestricted drops everything and adds back only what a web
	// workload needs. AppArmor stays on its default profile; /tmp is a
	// noexec,nosuid tmpfs.
	ProfileRestricted Profile = "restricted"

	// ProfileFull is restricted plus the capabilities apt-style package
	// installs and interactive SSH sessions require.
	ProfileFull Profile = "full"
)

// ParseProfile validates a profile name.
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case ProfileRestricted, ProfileFull:
		return Profile(s), nil
	default:
		return "", fmt.Errorf("unknown capability profile %q (want restricted or full)", s)
	}
}

var restrictedCapAdd = []string{"NET_BIND_SERVICE"}

var fullCapAdd = append(restrictedCapAdd,
	"SETGID", "SETUID", "CHOWN", "SYS_CHROOT", "AUDIT_WRITE",
)

// CapAdd returns the capabilities added back on top of drop-all.
func (p Profile) CapAdd() []string {
	switch p {
	case ProfileFull:
		return append([]string(nil), fullCapAdd...)
	default:
		return append([]string(nil), restrictedCapAdd...)
	}
}

// CapDrop is always everything; the presets only add back.
func (p Profile) CapDrop() []string {
	return []string{"ALL"}
}

// Tmpfs returns the tmpfs mounts applied with the profile.
func (p Profile) Tmpfs() map[string]string {
	return map[string]string{
		"/tmp": "rw,noexec,nosuid,size=256m",
	}
}
