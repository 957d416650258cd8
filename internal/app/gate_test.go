package app

import (
	"context"
	"errors"
	"testing"

	"github.com/dkeye/voicehub/internal/domain"
	"github.com/stretchr/testify/assert"
)

type fakeRoles struct {
	owner    domain.UserID
	perms    map[domain.UserID]domain.Permission
	ownerErr error
	permErr  error
}

func (f *fakeRoles) Permissions(_ context.Context, _ domain.ServerID, user domain.UserID) (domain.Permission, error) {
	return f.perms[user], f.permErr
}

func (f *fakeRoles) Owner(context.Context, domain.ServerID) (domain.UserID, error) {
	return f.owner, f.ownerErr
}

func TestPermissionGate(t *testing.T) {
	private := domain.Channel{ID: "c1", ServerID: "s1", IsPrivate: true}
	public := domain.Channel{ID: "c2", ServerID: "s1"}
	roles := &fakeRoles{
		owner: "owner",
		perms: map[domain.UserID]domain.Permission{
			"admin": domain.PermAdministrator,
			"mgr":   domain.PermManageServer,
			"mod":   domain.PermManageChannels,
			"user":  domain.PermConnect | domain.PermSpeak,
		},
	}
	gate := NewPermissionGate(roles)
	ctx := context.Background()

	tests := []struct {
		name    string
		channel domain.Channel
		user    domain.UserID
		want    Verdict
	}{
		{"public", public, "anyone", VerdictPublic},
		{"owner", private, "owner", VerdictOwner},
		{"administrator", private, "admin", VerdictPermitted},
		{"manage server", private, "mgr", VerdictPermitted},
		{"manage channels", private, "mod", VerdictPermitted},
		{"plain member", private, "user", VerdictDenied},
		{"stranger", private, "stranger", VerdictDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := gate.Check(ctx, tt.channel, tt.user)
			assert.Equal(t, tt.want, v)
			assert.Equal(t, tt.want < VerdictDenied, v.Allowed())
		})
	}
}

func TestPermissionGateResolverErrorsDeny(t *testing.T) {
	private := domain.Channel{ID: "c1", ServerID: "s1", IsPrivate: true}
	ctx := context.Background()

	gate := NewPermissionGate(&fakeRoles{ownerErr: errors.New("down")})
	assert.Equal(t, VerdictResolverError, gate.Check(ctx, private, "u"))

	gate = NewPermissionGate(&fakeRoles{owner: "o", permErr: errors.New("down")})
	v := gate.Check(ctx, private, "u")
	assert.Equal(t, VerdictResolverError, v)
	assert.False(t, v.Allowed())
}
