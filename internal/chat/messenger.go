package chat

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
)

// Messenger is the signed-in user's entry point to every conversation.
type Messenger struct {
	deps  Deps
	cfg   SessionConfig
	convs *Conversations
	dir   *Directory
	log   zerolog.Logger
}

func NewMessenger(deps Deps, cfg SessionConfig) *Messenger {
	return &Messenger{
		deps:  deps,
		cfg:   cfg,
		convs: NewConversations(deps.Store, deps.Log),
		dir:   NewDirectory(deps.Store, deps.Realtime, deps.Log),
		log:   deps.Log.With().Str("component", "messenger").Logger(),
	}
}

func (m *Messenger) self(ctx context.Context) (string, error) {
	id, err := m.deps.Auth.CurrentUser(ctx)
	if err != nil {
		return "", fmt.Errorf("current user: %w", err)
	}
	return id, nil
}

func (m *Messenger) Conversations() *Conversations { return m.convs }

func (m *Messenger) Directory() *Directory { return m.dir }

// Roster returns an unloaded roster for the current user; call Refresh or Watch.
func (m *Messenger) Roster(ctx context.Context) (*Roster, error) {
	self, err := m.self(ctx)
	if err != nil {
		return nil, err
	}
	return m.dir.Roster(self), nil
}

func (m *Messenger) CreateGroup(ctx context.Context, title string, memberIDs []string) (Conversation, error) {
	self, err := m.self(ctx)
	if err != nil {
		return Conversation{}, err
	}
	return m.convs.CreateGroup(ctx, title, memberIDs, self)
}

// SetActive publishes the current user's foreground/background state.
func (m *Messenger) SetActive(ctx context.Context, active bool) error {
	self, err := m.self(ctx)
	if err != nil {
		return err
	}
	if _, err := m.deps.Store.SetActive(ctx, self, active); err != nil {
		m.log.Error().Err(err).Bool("active", active).Msg("update active status")
		return fmt.Errorf("update active status: %w", err)
	}
	return nil
}

// UpdateProfile sets the current user's first and last name. Both are required.
func (m *Messenger) UpdateProfile(ctx context.Context, firstName, lastName string) (Profile, error) {
	firstName, lastName = strings.TrimSpace(firstName), strings.TrimSpace(lastName)
	if firstName == "" || lastName == "" {
		return Profile{}, invalidf("first and last name are required")
	}
	self, err := m.self(ctx)
	if err != nil {
		return Profile{}, err
	}
	p, err := m.deps.Store.UpdateProfile(ctx, self, ProfileUpdate{FirstName: &firstName, LastName: &lastName})
	if err != nil {
		m.log.Error().Err(err).Msg("update profile")
		return Profile{}, fmt.Errorf("update profile: %w", err)
	}
	return p, nil
}

// UploadAvatar stores an image in the avatars bucket and points the current
// user's avatar_url at it.
func (m *Messenger) UploadAvatar(ctx context.Context, fileName string, data []byte) (Profile, error) {
	mt := mimetype.Detect(data)
	switch {
	case len(data) == 0:
		return Profile{}, invalidf("avatar is empty")
	case !strings.HasPrefix(mt.String(), "image/"):
		return Profile{}, invalidf("avatar must be an image, got %s", mt.String())
	case m.deps.Storage == nil:
		return Profile{}, fmt.Errorf("upload avatar: no object storage configured")
	}
	self, err := m.self(ctx)
	if err != nil {
		return Profile{}, err
	}
	objectPath := fmt.Sprintf("%s/%d%s", self, time.Now().UnixMilli(), path.Ext(fileName))
	url, err := m.deps.Storage.Upload(ctx, m.cfg.withDefaults().AvatarBucket, objectPath, data)
	if err != nil {
		m.log.Error().Err(err).Str("file", fileName).Msg("upload avatar")
		return Profile{}, fmt.Errorf("upload avatar: %w", err)
	}
	p, err := m.deps.Store.UpdateProfile(ctx, self, ProfileUpdate{AvatarURL: &url})
	if err != nil {
		m.log.Error().Err(err).Msg("update avatar url")
		return Profile{}, fmt.Errorf("update avatar url: %w", err)
	}
	return p, nil
}

// SignOut marks the current user away, then runs signOut. Nothing is signed
// out when the status write fails.
func (m *Messenger) SignOut(ctx context.Context, signOut func()) error {
	if err := m.SetActive(ctx, false); err != nil {
		return err
	}
	signOut()
	return nil
}

// OpenGroup opens a live session on a group the current user belongs to.
func (m *Messenger) OpenGroup(ctx context.Context, groupID string) (*Session, error) {
	self, err := m.self(ctx)
	if err != nil {
		return nil, err
	}
	conv, err := m.convs.Group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !conv.Has(self) {
		return nil, invalidf("not a member of group %s", groupID)
	}
	s, err := NewSession(m.deps, self, conv, m.cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenDirect opens the chat with peerID. When no conversation exists yet the
// chat has no session until the first message is sent.
func (m *Messenger) OpenDirect(ctx context.Context, peerID string) (*DirectChat, error) {
	self, err := m.self(ctx)
	if err != nil {
		return nil, err
	}
	if err := validatePair(self, peerID); err != nil {
		return nil, err
	}
	peer, err := m.deps.Store.GetProfile(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("get peer profile: %w", err)
	}
	d := &DirectChat{m: m, selfID: self, peer: peer}

	conv, ok, err := m.convs.ResolveDirect(ctx, self, peerID)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := d.open(ctx, conv); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// DirectChat is a two-party chat whose conversation is created lazily.
type DirectChat struct {
	m      *Messenger
	selfID string
	peer   Profile

	mu      sync.Mutex
	conv    *Conversation // created but not yet live
	session *Session
	closed  bool
}

func (d *DirectChat) open(ctx context.Context, conv Conversation) error {
	s, err := NewSession(d.m.deps, d.selfID, conv, d.m.cfg)
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	d.session = s
	return nil
}

// Session is nil until a conversation exists.
func (d *DirectChat) Session() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// Peer returns the other participant with the latest known presence.
func (d *DirectChat) Peer() Profile {
	p := d.peer
	if s := d.Session(); s != nil {
		if active, known := s.Active(p.ID); known {
			p.IsActive = active
		}
	}
	return p
}

// Send sends text, creating the conversation and going live first when this
// is the first message between the two users.
func (d *DirectChat) Send(ctx context.Context, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, invalidf("message is empty")
	}
	s, err := d.ensureSession(ctx)
	if err != nil {
		return Message{}, err
	}
	return s.Send(ctx, text)
}

func (d *DirectChat) SendAttachment(ctx context.Context, fileName string, data []byte, kind MessageKind) (Message, error) {
	s, err := d.ensureSession(ctx)
	if err != nil {
		return Message{}, err
	}
	return s.SendAttachment(ctx, fileName, data, kind)
}

func (d *DirectChat) ensureSession(ctx context.Context) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.session != nil {
		return d.session, nil
	}
	if d.conv == nil {
		conv, err := d.m.convs.CreateDirect(ctx, d.selfID, d.peer.ID)
		if err != nil {
			return nil, err
		}
		d.conv = &conv
	}
	if err := d.open(ctx, *d.conv); err != nil {
		return nil, err
	}
	d.conv = nil
	return d.session, nil
}

func (d *DirectChat) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}
