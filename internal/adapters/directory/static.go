// Package directory resolves channels and roles from static configuration.
package directory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/voicehub/internal/config"
	"github.com/dkeye/voicehub/internal/core"
	"github.com/dkeye/voicehub/internal/domain"
)

// AdhocServer owns channels created on first join when ad-hoc channels are allowed.
const AdhocServer domain.ServerID = "default"

var ErrUnknownServer = errors.New("unknown server")

type server struct {
	owner domain.UserID
	roles map[domain.UserID]domain.Permission
}

// Static is a config-backed ChannelDirectory and RoleResolver.
type Static struct {
	allowAdhoc bool

	mu       sync.RWMutex
	channels map[domain.ChannelID]domain.Channel
	servers  map[domain.ServerID]server
}

var (
	_ core.ChannelDirectory = (*Static)(nil)
	_ core.RoleResolver     = (*Static)(nil)
)

func NewStatic(cfg config.DirectoryConfig) (*Static, error) {
	s := &Static{
		allowAdhoc: cfg.AllowAdhoc,
		channels:   make(map[domain.ChannelID]domain.Channel),
		servers:    make(map[domain.ServerID]server),
	}
	for _, sc := range cfg.Servers {
		sid := domain.ServerID(sc.ID)
		if _, dup := s.servers[sid]; dup {
			return nil, fmt.Errorf("duplicate server %q", sc.ID)
		}
		srv := server{owner: domain.UserID(sc.Owner), roles: make(map[domain.UserID]domain.Permission)}
		for user, perms := range sc.Roles {
			srv.roles[domain.UserID(user)] = domain.ParsePermissions(perms)
		}
		s.servers[sid] = srv
		for _, cc := range sc.Channels {
			id := domain.ChannelID(cc.ID)
			if _, dup := s.channels[id]; dup {
				return nil, fmt.Errorf("duplicate channel %q", cc.ID)
			}
			name := cc.Name
			if name == "" {
				name = cc.ID
			}
			s.channels[id] = domain.Channel{ID: id, ServerID: sid, Name: name, IsPrivate: cc.Private}
		}
	}
	if cfg.AllowAdhoc {
		if _, ok := s.servers[AdhocServer]; !ok {
			s.servers[AdhocServer] = server{roles: map[domain.UserID]domain.Permission{}}
		}
	}
	return s, nil
}

func (s *Static) VoiceChannel(ctx context.Context, id domain.ChannelID) (domain.Channel, error) {
	if err := ctx.Err(); err != nil {
		return domain.Channel{}, err
	}
	s.mu.RLock()
	ch, ok := s.channels[id]
	s.mu.RUnlock()
	if ok {
		return ch, nil
	}
	if !s.allowAdhoc {
		return domain.Channel{}, core.ErrUnknownChannel
	}
	return domain.Channel{ID: id, ServerID: AdhocServer, Name: string(id)}, nil
}

// Channels lists the configured channels of a server.
func (s *Static) Channels(server domain.ServerID) []domain.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Channel
	for _, ch := range s.channels {
		if ch.ServerID == server {
			out = append(out, ch)
		}
	}
	slices.SortFunc(out, func(a, b domain.Channel) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

func (s *Static) HasServer(id domain.ServerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.servers[id]
	return ok
}

func (s *Static) Permissions(ctx context.Context, id domain.ServerID, user domain.UserID) (domain.Permission, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[id]
	if !ok {
		return 0, ErrUnknownServer
	}
	return srv.roles[user], nil
}

func (s *Static) Owner(ctx context.Context, id domain.ServerID) (domain.UserID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[id]
	if !ok {
		return "", ErrUnknownServer
	}
	return srv.owner, nil
}
