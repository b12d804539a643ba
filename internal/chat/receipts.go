package chat

import (
	"context"
	"fmt"

	"github.com/pelusa-v/pelusa-messenger/internal/metrics"
)

// Receipts marks messages viewed by the session's user and resolves viewer
// names. It mutates the owning session's list directly rather than waiting for
// UPDATE events, which the session does not merge.
type Receipts struct {
	s *Session
}

// MarkLatestViewed marks the newest message viewed if someone else sent it and
// we are not yet in its viewer set. Used by direct conversations.
func (r *Receipts) MarkLatestViewed(ctx context.Context) (bool, error) {
	s := r.s
	if err := s.requireLive(); err != nil {
		return false, err
	}
	s.mu.RLock()
	if len(s.messages) == 0 {
		s.mu.RUnlock()
		return false, nil
	}
	last := s.messages[len(s.messages)-1]
	s.mu.RUnlock()

	if last.SenderID == s.selfID || last.ViewedByUser(s.selfID) {
		return false, nil
	}

	current, err := s.deps.Store.GetMessage(ctx, last.ID)
	if err != nil {
		s.log.Error().Err(err).Str("message_id", last.ID).Msg("fetch viewer set")
		return false, fmt.Errorf("fetch viewer set: %w", err)
	}
	viewers := MergeViewers(current.SenderID, current.ViewedBy, s.selfID)
	if !current.ViewedByUser(s.selfID) {
		updated, err := s.deps.Store.AddViewer(ctx, []string{last.ID}, s.selfID)
		if err != nil {
			s.log.Error().Err(err).Str("message_id", last.ID).Msg("mark message viewed")
			return false, fmt.Errorf("mark message viewed: %w", err)
		}
		for _, u := range updated {
			viewers = MergeViewers(current.SenderID, viewers, u.ViewedBy...)
		}
		metrics.ReceiptsMarked.WithLabelValues(string(KindDirect)).Inc()
	}
	s.mergeViewers([]Message{{ID: last.ID, ViewedBy: viewers}})
	s.notify()

	if _, err := r.ResolveViewers(ctx, []string{last.ID}); err != nil {
		return true, err
	}
	return true, nil
}

// MarkAllViewed marks every message from other members that we have not yet
// viewed, persisting all of them in one batched write. Used by groups.
func (r *Receipts) MarkAllViewed(ctx context.Context) (int, error) {
	s := r.s
	if err := s.requireLive(); err != nil {
		return 0, err
	}
	unviewed, err := s.deps.Store.ListMessages(ctx, MessageQuery{
		ConversationID: s.conv.ID,
		ExcludeSender:  s.selfID,
		NotViewedBy:    s.selfID,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("fetch unviewed messages")
		return 0, fmt.Errorf("fetch unviewed messages: %w", err)
	}
	if len(unviewed) == 0 {
		return 0, nil
	}

	ids := make([]string, len(unviewed))
	for i, m := range unviewed {
		ids[i] = m.ID
	}
	updated, err := s.deps.Store.AddViewer(ctx, ids, s.selfID)
	if err != nil {
		s.log.Error().Err(err).Int("count", len(ids)).Msg("mark messages viewed")
		return 0, fmt.Errorf("mark messages viewed: %w", err)
	}

	merged := make([]Message, 0, len(unviewed)+len(updated))
	for _, m := range unviewed {
		merged = append(merged, Message{ID: m.ID, ViewedBy: MergeViewers(m.SenderID, m.ViewedBy, s.selfID)})
	}
	merged = append(merged, updated...)
	if changed := s.mergeViewers(merged); len(changed) > 0 {
		s.notify()
	}
	metrics.ReceiptsMarked.WithLabelValues(string(KindGroup)).Add(float64(len(ids)))
	return len(ids), nil
}

// ResolveViewers fetches, in one request, the profiles of every viewer across
// the loaded list and stores per-message viewer lists for messageIDs.
func (r *Receipts) ResolveViewers(ctx context.Context, messageIDs []string) (map[string][]Viewer, error) {
	s := r.s
	loaded := s.Messages()

	var ids []string
	seen := map[string]struct{}{}
	for _, m := range loaded {
		for _, id := range m.ViewedBy {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	byID := map[string]Profile{}
	if len(ids) > 0 {
		profiles, err := s.deps.Store.ListProfiles(ctx, ProfileQuery{IDs: ids})
		if err != nil {
			s.log.Error().Err(err).Msg("fetch message viewers")
			return nil, fmt.Errorf("fetch message viewers: %w", err)
		}
		for _, p := range profiles {
			byID[p.ID] = p
		}
	}

	wanted := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}
	out := make(map[string][]Viewer, len(messageIDs))
	for _, m := range loaded {
		if _, ok := wanted[m.ID]; !ok {
			continue
		}
		viewers := make([]Viewer, 0, len(m.ViewedBy))
		for _, id := range m.ViewedBy {
			if p, ok := byID[id]; ok {
				viewers = append(viewers, Viewer{ID: p.ID, FirstName: p.FirstName, LastName: p.LastName})
			}
		}
		out[m.ID] = viewers
	}

	s.mu.Lock()
	for id, v := range out {
		s.viewers[id] = v
	}
	s.mu.Unlock()
	s.notify()
	return out, nil
}
