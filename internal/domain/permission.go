package domain

// Permission is the effective permission bitmask of a user on a server.
type Permission uint64

const (
	PermAdministrator Permission = 1 << iota
	PermManageServer
	PermManageChannels
	PermConnect
	PermSpeak
	PermVideo
)

var permissionNames = map[string]Permission{
	"administrator":   PermAdministrator,
	"manage_server":   PermManageServer,
	"manage_channels": PermManageChannels,
	"connect":         PermConnect,
	"speak":           PermSpeak,
	"video":           PermVideo,
}

// HasAny reports whether any of the given bits is set.
func (p Permission) HasAny(bits Permission) bool { return p&bits != 0 }

// ParsePermissions folds permission names into a bitmask; unknown names are ignored.
func ParsePermissions(names []string) Permission {
	var p Permission
	for _, n := range names {
		p |= permissionNames[n]
	}
	return p
}
