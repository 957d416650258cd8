package core

import (
	"context"
	"errors"

	"github.com/dkeye/voicehub/internal/domain"
)

var ErrUnknownChannel = errors.New("unknown channel")

// ChannelDirectory resolves voice channels from the external channel store.
type ChannelDirectory interface {
	VoiceChannel(ctx context.Context, id domain.ChannelID) (domain.Channel, error)
}

// RoleResolver resolves effective server permissions from the external role store.
type RoleResolver interface {
	Permissions(ctx context.Context, server domain.ServerID, user domain.UserID) (domain.Permission, error)
	Owner(ctx context.Context, server domain.ServerID) (domain.UserID, error)
}
