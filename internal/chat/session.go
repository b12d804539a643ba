package chat

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-messenger/internal/metrics"
	"github.com/pelusa-v/pelusa-messenger/internal/realtime"
)

type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	DefaultProfileCacheSize = 256
	DefaultAttachmentBucket = "chat-attachments"
	DefaultAvatarBucket     = "avatars"
)

// Deps are the capabilities a session talks to. Storage may be nil when
// attachments are not used.
type Deps struct {
	Auth     Auth
	Store    Store
	Realtime Realtime
	Storage  ObjectStorage
	Log      zerolog.Logger
}

type SessionConfig struct {
	Typing           TypingConfig
	ProfileCacheSize int
	AttachmentBucket string
	AvatarBucket     string
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.ProfileCacheSize <= 0 {
		c.ProfileCacheSize = DefaultProfileCacheSize
	}
	if c.AttachmentBucket == "" {
		c.AttachmentBucket = DefaultAttachmentBucket
	}
	if c.AvatarBucket == "" {
		c.AvatarBucket = DefaultAvatarBucket
	}
	c.Typing = c.Typing.withDefaults()
	return c
}

// Session is the open view of one conversation. It owns the ordered message
// list, the viewer map and the profile cache; one goroutine merges the live
// feed into them.
type Session struct {
	deps   Deps
	cfg    SessionConfig
	log    zerolog.Logger
	selfID string
	conv   Conversation

	mu       sync.RWMutex
	state    State
	messages []Message
	index    map[string]int // message id -> position
	viewers  map[string][]Viewer
	profiles *lru.Cache // user id -> Profile

	typing    *Typing
	receipts  *Receipts
	subs      []*realtime.Subscription
	updates   chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession returns an uninitialized session for selfID in conv.
func NewSession(deps Deps, selfID string, conv Conversation, cfg SessionConfig) (*Session, error) {
	if selfID == "" || conv.ID == "" {
		return nil, invalidf("session needs a user and a conversation")
	}
	cfg = cfg.withDefaults()
	cache, err := lru.New(cfg.ProfileCacheSize)
	if err != nil {
		return nil, fmt.Errorf("profile cache: %w", err)
	}
	s := &Session{
		deps:     deps,
		cfg:      cfg,
		log:      deps.Log.With().Str("component", "session").Str("conversation_id", conv.ID).Logger(),
		selfID:   selfID,
		conv:     conv,
		index:    map[string]int{},
		viewers:  map[string][]Viewer{},
		profiles: cache,
		updates:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.receipts = &Receipts{s: s}
	return s, nil
}

func (s *Session) setState(to State) bool {
	s.mu.Lock()
	from := s.state
	if from == StateClosed || to <= from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()
	metrics.RecordTransition(from.String(), to.String())
	s.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("session state")
	return true
}

// Start subscribes to the live feeds, loads history and goes live. Events that
// arrive during the load are queued and deduplicated against it.
func (s *Session) Start(ctx context.Context) error {
	if !s.setState(StateLoading) {
		return fmt.Errorf("start session in state %s: %w", s.State(), ErrInvalid)
	}
	metrics.ActiveSessions.Inc()

	if err := s.load(ctx); err != nil {
		s.log.Error().Err(err).Msg("session load failed")
		_ = s.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(loopCtx, s.subs[0], s.subs[1], s.subs[2])
	s.setState(StateLive)
	return nil
}

func (s *Session) load(ctx context.Context) error {
	msgSub, err := s.deps.Realtime.Subscribe(ctx, MessagesTopic(s.conv.ID))
	if err != nil {
		return fmt.Errorf("subscribe messages: %w", err)
	}
	s.subs = append(s.subs, msgSub)
	typingSub, err := s.deps.Realtime.Subscribe(ctx, TypingTopic(s.conv.ID), realtime.EventBroadcast)
	if err != nil {
		return fmt.Errorf("subscribe typing: %w", err)
	}
	s.subs = append(s.subs, typingSub)
	profileSub, err := s.deps.Realtime.Subscribe(ctx, TopicProfiles, realtime.EventUpdate)
	if err != nil {
		return fmt.Errorf("subscribe profiles: %w", err)
	}
	s.subs = append(s.subs, profileSub)

	history, err := s.deps.Store.ListMessages(ctx, MessageQuery{ConversationID: s.conv.ID})
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	s.mu.Lock()
	for _, m := range history {
		if _, dup := s.index[m.ID]; dup {
			continue
		}
		s.index[m.ID] = len(s.messages)
		s.messages = append(s.messages, m)
	}
	s.mu.Unlock()

	ids := slices.Clone(s.conv.ParticipantIDs)
	for _, m := range history {
		if !slices.Contains(ids, m.SenderID) {
			ids = append(ids, m.SenderID)
		}
	}
	if !slices.Contains(ids, s.selfID) {
		ids = append(ids, s.selfID)
	}
	if profiles, err := s.deps.Store.ListProfiles(ctx, ProfileQuery{IDs: ids}); err != nil {
		s.log.Warn().Err(err).Msg("preload profiles")
	} else {
		for _, p := range profiles {
			s.profiles.Add(p.ID, p)
		}
	}

	self := TypingSignal{UserID: s.selfID, ConversationID: s.conv.ID}
	if p, ok := s.cachedProfile(s.selfID); ok {
		self.DisplayName = p.FirstName
	}
	s.typing = NewTyping(self, s.broadcastTyping, s.cfg.Typing, s.notify)
	return nil
}

func (s *Session) broadcastTyping(ctx context.Context, sig TypingSignal) error {
	ev, err := realtime.NewEvent(TypingTopic(s.conv.ID), realtime.EventBroadcast, EventTyping, sig)
	if err != nil {
		return err
	}
	return s.deps.Realtime.Publish(ctx, ev)
}

// run is the single merge step: it is the only writer of the message list
// after Start.
func (s *Session) run(ctx context.Context, msgSub, typingSub, profileSub *realtime.Subscription) {
	defer close(s.done)
	msgs, typing, profiles := msgSub.Events(), typingSub.Events(), profileSub.Events()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-msgs:
			if !ok {
				s.log.Warn().Msg("message subscription dropped; live updates stopped")
				msgs = nil
				continue
			}
			s.applyMessageEvent(ev)

		case ev, ok := <-typing:
			if !ok {
				s.log.Warn().Msg("typing subscription dropped")
				typing = nil
				continue
			}
			var sig TypingSignal
			if ev.Name != EventTyping {
				continue
			}
			if err := ev.Decode(&sig); err != nil {
				s.log.Warn().Err(err).Msg("bad typing payload")
				continue
			}
			s.typing.Receive(sig)

		case ev, ok := <-profiles:
			if !ok {
				s.log.Warn().Msg("profile subscription dropped")
				profiles = nil
				continue
			}
			var p Profile
			if err := ev.Decode(&p); err != nil {
				s.log.Warn().Err(err).Msg("bad profile payload")
				continue
			}
			s.patchProfile(p)
		}
	}
}

// applyMessageEvent appends live INSERTs at the tail. Updates and deletes are
// not merged; viewer changes come from Receipts.
func (s *Session) applyMessageEvent(ev realtime.Event) {
	if ev.Type != realtime.EventInsert {
		metrics.LiveEvents.WithLabelValues("ignored").Inc()
		s.log.Debug().Str("type", string(ev.Type)).Msg("ignoring non-insert message event")
		return
	}
	var m Message
	if err := ev.Decode(&m); err != nil {
		s.log.Warn().Err(err).Msg("bad message payload")
		return
	}
	if m.ConversationID != s.conv.ID {
		metrics.LiveEvents.WithLabelValues("ignored").Inc()
		return
	}
	if !s.appendMessage(m) {
		metrics.LiveEvents.WithLabelValues("duplicate").Inc()
		return
	}
	metrics.LiveEvents.WithLabelValues("applied").Inc()
	s.notify()
}

func (s *Session) appendMessage(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.index[m.ID]; dup {
		return false
	}
	s.index[m.ID] = len(s.messages)
	s.messages = append(s.messages, m)
	return true
}

// mergeViewers unions updated viewer sets into the local list.
func (s *Session) mergeViewers(updated []Message) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []string
	for _, u := range updated {
		i, ok := s.index[u.ID]
		if !ok {
			continue
		}
		local := s.messages[i]
		merged := MergeViewers(local.SenderID, local.ViewedBy, u.ViewedBy...)
		if len(merged) != len(local.ViewedBy) {
			s.messages[i].ViewedBy = merged
			changed = append(changed, u.ID)
		}
	}
	return changed
}

// patchProfile replaces one cached profile; uncached users are not fetched.
func (s *Session) patchProfile(p Profile) {
	cached, ok := s.cachedProfile(p.ID)
	if !ok || cached == p {
		return
	}
	s.profiles.Add(p.ID, p)
	s.notify()
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Session) cachedProfile(id string) (Profile, bool) {
	v, ok := s.profiles.Get(id)
	if !ok {
		return Profile{}, false
	}
	return v.(Profile), true
}

// Profile returns a participant's profile, fetching it once on a cache miss.
func (s *Session) Profile(ctx context.Context, userID string) (Profile, error) {
	if p, ok := s.cachedProfile(userID); ok {
		return p, nil
	}
	p, err := s.deps.Store.GetProfile(ctx, userID)
	if err != nil {
		return Profile{}, fmt.Errorf("get profile %s: %w", userID, err)
	}
	s.profiles.Add(p.ID, p)
	return p, nil
}

// Active reports the last known presence of userID and whether it is known.
func (s *Session) Active(userID string) (active, known bool) {
	p, ok := s.cachedProfile(userID)
	return p.IsActive, ok
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Conversation() Conversation { return s.conv }

func (s *Session) SelfID() string { return s.selfID }

// Messages returns a copy of the ordered list.
func (s *Session) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		m.ViewedBy = slices.Clone(m.ViewedBy)
		out[i] = m
	}
	return out
}

// Viewers returns the resolved viewers of a message, if resolved.
func (s *Session) Viewers(messageID string) []Viewer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.viewers[messageID])
}

// Updates signals, coalesced, that the list, typers or presence changed.
func (s *Session) Updates() <-chan struct{} { return s.updates }

// Typing is nil before Start.
func (s *Session) Typing() *Typing { return s.typing }

func (s *Session) Receipts() *Receipts { return s.receipts }

// Send inserts a text message. It shows up in the list through the live feed.
func (s *Session) Send(ctx context.Context, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, invalidf("message is empty")
	}
	return s.insert(ctx, Message{Content: text, Kind: MessageText})
}

// SendAttachment uploads data and sends an image or file message named fileName.
func (s *Session) SendAttachment(ctx context.Context, fileName string, data []byte, kind MessageKind) (Message, error) {
	switch {
	case kind != MessageImage && kind != MessageFile:
		return Message{}, invalidf("attachment kind %q", kind)
	case strings.TrimSpace(fileName) == "":
		return Message{}, invalidf("attachment name is required")
	case len(data) == 0:
		return Message{}, invalidf("attachment is empty")
	case s.deps.Storage == nil:
		return Message{}, fmt.Errorf("upload attachment: no object storage configured")
	}
	if err := s.requireLive(); err != nil {
		return Message{}, err
	}
	objectPath := fmt.Sprintf("%d%s", time.Now().UnixMilli(), path.Ext(fileName))
	url, err := s.deps.Storage.Upload(ctx, s.cfg.AttachmentBucket, objectPath, data)
	if err != nil {
		s.log.Error().Err(err).Str("file", fileName).Msg("upload attachment")
		return Message{}, fmt.Errorf("upload attachment: %w", err)
	}
	return s.insert(ctx, Message{Content: fileName, Kind: kind, AttachmentURL: url})
}

func (s *Session) requireLive() error {
	switch st := s.State(); st {
	case StateLive:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return fmt.Errorf("%w: %s", ErrNotLive, st)
	}
}

func (s *Session) insert(ctx context.Context, m Message) (Message, error) {
	if err := s.requireLive(); err != nil {
		return Message{}, err
	}
	m.ConversationID = s.conv.ID
	m.SenderID = s.selfID
	m.ViewedBy = []string{}
	s.typing.Clear()

	saved, err := s.deps.Store.InsertMessage(ctx, m)
	if err != nil {
		s.log.Error().Err(err).Msg("send message")
		return Message{}, fmt.Errorf("send message: %w", err)
	}
	if err := s.deps.Store.TouchConversation(ctx, s.conv.ID, saved.CreatedAt); err != nil {
		s.log.Error().Err(err).Msg("update conversation last activity")
	}
	return saved, nil
}

// Close releases every subscription and timer. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		prev := s.State()
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		for _, sub := range s.subs {
			_ = sub.Close()
		}
		s.subs = nil
		if s.typing != nil {
			s.typing.Close()
		}
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		if prev != StateUninitialized {
			metrics.ActiveSessions.Dec()
		}
		metrics.RecordTransition(prev.String(), StateClosed.String())
	})
	return nil
}
