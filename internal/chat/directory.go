package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-messenger/internal/realtime"
)

// Directory lists the people and groups a user can talk to, each with a
// preview of the latest message.
type Directory struct {
	store Store
	rt    Realtime
	log   zerolog.Logger
}

func NewDirectory(store Store, rt Realtime, log zerolog.Logger) *Directory {
	return &Directory{
		store: store,
		rt:    rt,
		log:   log.With().Str("component", "directory").Logger(),
	}
}

// Contacts returns every other profile, matched with its direct conversation,
// most recent conversation first; contacts never messaged sort last.
func (d *Directory) Contacts(ctx context.Context, selfID string) ([]Contact, error) {
	convs, err := d.store.FindConversations(ctx, ConversationQuery{Kind: KindDirect, Members: []string{selfID}})
	if err != nil {
		return nil, fmt.Errorf("list direct conversations: %w", err)
	}
	profiles, err := d.store.ListProfiles(ctx, ProfileQuery{ExcludeID: selfID})
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}

	// convs arrive most recently active first; the first exact pair wins
	byPeer := map[string]Conversation{}
	ids := make([]string, 0, len(convs))
	for _, conv := range convs {
		if len(conv.ParticipantIDs) != 2 || !conv.Has(selfID) {
			continue
		}
		peer := conv.ParticipantIDs[0]
		if peer == selfID {
			peer = conv.ParticipantIDs[1]
		}
		if _, ok := byPeer[peer]; ok {
			continue
		}
		byPeer[peer] = conv
		ids = append(ids, conv.ID)
	}
	latest, err := d.latest(ctx, ids)
	if err != nil {
		return nil, err
	}

	contacts := make([]Contact, 0, len(profiles))
	for _, p := range profiles {
		c := Contact{Profile: p}
		if conv, ok := byPeer[p.ID]; ok {
			c.ConversationID = conv.ID
			if m, ok := latest[conv.ID]; ok {
				c.LastMessage = &m
			}
		}
		contacts = append(contacts, c)
	}
	sort.SliceStable(contacts, func(i, j int) bool {
		return contacts[i].lastActivity().After(contacts[j].lastActivity())
	})
	return contacts, nil
}

// Groups returns the groups selfID belongs to, most recently active first.
func (d *Directory) Groups(ctx context.Context, selfID string) ([]GroupSummary, error) {
	convs, err := d.store.FindConversations(ctx, ConversationQuery{Kind: KindGroup, Members: []string{selfID}})
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	latest, err := d.latest(ctx, ids)
	if err != nil {
		return nil, err
	}
	groups := make([]GroupSummary, len(convs))
	for i, c := range convs {
		groups[i] = GroupSummary{Conversation: c}
		if m, ok := latest[c.ID]; ok {
			groups[i].LastMessage = &m
		}
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].LastMessageAt.After(groups[j].LastMessageAt)
	})
	return groups, nil
}

func (d *Directory) latest(ctx context.Context, ids []string) (map[string]Message, error) {
	if len(ids) == 0 {
		return map[string]Message{}, nil
	}
	latest, err := d.store.LatestMessages(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("latest messages: %w", err)
	}
	return latest, nil
}

// Roster keeps one user's contact and group lists current.
type Roster struct {
	dir    *Directory
	selfID string
	log    zerolog.Logger

	mu       sync.RWMutex
	contacts []Contact
	groups   []GroupSummary
	updates  chan struct{}
}

func (d *Directory) Roster(selfID string) *Roster {
	return &Roster{
		dir:     d,
		selfID:  selfID,
		log:     d.log.With().Str("user_id", selfID).Logger(),
		updates: make(chan struct{}, 1),
	}
}

// Refresh refetches both lists.
func (r *Roster) Refresh(ctx context.Context) error {
	contacts, err := r.dir.Contacts(ctx, r.selfID)
	if err != nil {
		return err
	}
	groups, err := r.dir.Groups(ctx, r.selfID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.contacts, r.groups = contacts, groups
	r.mu.Unlock()
	r.notify()
	return nil
}

func (r *Roster) Contacts() []Contact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Contact(nil), r.contacts...)
}

func (r *Roster) Groups() []GroupSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]GroupSummary(nil), r.groups...)
}

// Search filters contacts by case-insensitive full-name substring.
func (r *Roster) Search(query string) []Contact {
	q := strings.ToLower(strings.TrimSpace(query))
	all := r.Contacts()
	if q == "" {
		return all
	}
	out := all[:0]
	for _, c := range all {
		if strings.Contains(strings.ToLower(c.FirstName+" "+c.LastName), q) {
			out = append(out, c)
		}
	}
	return out
}

// ApplyPresence patches a single contact's activity flag in place.
func (r *Roster) ApplyPresence(userID string, active bool) bool {
	r.mu.Lock()
	changed := false
	for i := range r.contacts {
		if r.contacts[i].ID == userID && r.contacts[i].IsActive != active {
			r.contacts[i].IsActive = active
			changed = true
		}
	}
	r.mu.Unlock()
	if changed {
		r.notify()
	}
	return changed
}

// ApplyProfile replaces a single contact's profile fields in place.
func (r *Roster) ApplyProfile(p Profile) bool {
	r.mu.Lock()
	changed := false
	for i := range r.contacts {
		if r.contacts[i].ID == p.ID && r.contacts[i].Profile != p {
			r.contacts[i].Profile = p
			changed = true
		}
	}
	r.mu.Unlock()
	if changed {
		r.notify()
	}
	return changed
}

func (r *Roster) Updates() <-chan struct{} { return r.updates }

func (r *Roster) notify() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

// Watch loads the roster and keeps it current until ctx ends: any message
// change triggers a refetch, a profile update patches that one contact.
func (r *Roster) Watch(ctx context.Context) error {
	msgSub, err := r.dir.rt.Subscribe(ctx, TopicMessages)
	if err != nil {
		return fmt.Errorf("subscribe messages: %w", err)
	}
	defer msgSub.Close()
	profileSub, err := r.dir.rt.Subscribe(ctx, TopicProfiles, realtime.EventUpdate)
	if err != nil {
		return fmt.Errorf("subscribe profiles: %w", err)
	}
	defer profileSub.Close()

	if err := r.Refresh(ctx); err != nil {
		return err
	}

	msgs, profiles := msgSub.Events(), profileSub.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-msgs:
			if !ok {
				r.log.Warn().Msg("message subscription dropped")
				msgs = nil
				continue
			}
			if err := r.Refresh(ctx); err != nil {
				r.log.Error().Err(err).Msg("refresh roster")
			}
		case ev, ok := <-profiles:
			if !ok {
				r.log.Warn().Msg("profile subscription dropped")
				profiles = nil
				continue
			}
			var p Profile
			if err := ev.Decode(&p); err != nil {
				r.log.Warn().Err(err).Msg("bad profile payload")
				continue
			}
			r.ApplyProfile(p)
		}
	}
}
