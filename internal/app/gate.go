package app

import (
	"context"

	"github.com/dkeye/voicehub/internal/core"
	"github.com/dkeye/voicehub/internal/domain"
	"github.com/rs/zerolog/log"
)

// PrivateChannelAccess are the bits that open every private channel of a server.
const PrivateChannelAccess = domain.PermAdministrator | domain.PermManageServer | domain.PermManageChannels

type Verdict int

const (
	VerdictPublic Verdict = iota
	VerdictOwner
	VerdictPermitted
	VerdictDenied
	VerdictResolverError
)

func (v Verdict) Allowed() bool { return v < VerdictDenied }

func (v Verdict) String() string {
	switch v {
	case VerdictPublic:
		return "public"
	case VerdictOwner:
		return "owner"
	case VerdictPermitted:
		return "permitted"
	case VerdictDenied:
		return "denied"
	default:
		return "resolver_error"
	}
}

// PermissionGate decides whether a user may join a voice channel.
type PermissionGate struct {
	Roles core.RoleResolver
}

func NewPermissionGate(roles core.RoleResolver) *PermissionGate {
	return &PermissionGate{Roles: roles}
}

func (g *PermissionGate) Check(ctx context.Context, ch domain.Channel, user domain.UserID) Verdict {
	if !ch.IsPrivate {
		return VerdictPublic
	}
	logger := log.With().Str("module", "app.gate").Str("channel", string(ch.ID)).Str("user", string(user)).Logger()

	owner, err := g.Roles.Owner(ctx, ch.ServerID)
	if err != nil {
		logger.Warn().Err(err).Msg("owner lookup failed")
		return VerdictResolverError
	}
	if owner == user {
		return VerdictOwner
	}

	perms, err := g.Roles.Permissions(ctx, ch.ServerID, user)
	if err != nil {
		logger.Warn().Err(err).Msg("permission lookup failed")
		return VerdictResolverError
	}
	if perms.HasAny(PrivateChannelAccess) {
		return VerdictPermitted
	}
	logger.Debug().Uint64("perms", uint64(perms)).Msg("private channel denied")
	return VerdictDenied
}
