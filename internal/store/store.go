// Package store is an in-memory messaging data layer used as the default
// collaborator behind the messaging operations.
package store

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ZanzyTHEbar/dragonscale-assist/internal/tools"
)

// User is a registered account.
type User struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Username    string `yaml:"username"`
	Email       string `yaml:"email"`
}

// Seed is the YAML document loaded into a Store.
type Seed struct {
	Users         []User               `yaml:"users"`
	Conversations []tools.Conversation `yaml:"conversations"`
	Messages      []tools.Message      `yaml:"messages"`
}

// Store implements the contact, conversation and message collaborators.
type Store struct {
	mu            sync.RWMutex
	users         map[string]User
	conversations map[string]*tools.Conversation
	messages      map[string][]tools.Message
	now           func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for new messages.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a store from seed data.
func New(seed Seed, opts ...Option) (*Store, error) {
	s := &Store{
		users:         make(map[string]User),
		conversations: make(map[string]*tools.Conversation),
		messages:      make(map[string][]tools.Message),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, u := range seed.Users {
		if u.ID == "" {
			return nil, fmt.Errorf("seed user without id")
		}
		s.users[u.ID] = u
	}
	for i := range seed.Conversations {
		c := seed.Conversations[i]
		if c.ID == "" {
			return nil, fmt.Errorf("seed conversation without id")
		}
		for _, p := range c.ParticipantIDs {
			if _, ok := s.users[p]; !ok {
				return nil, fmt.Errorf("conversation %s references unknown user %s", c.ID, p)
			}
		}
		s.conversations[c.ID] = &c
	}
	for _, m := range seed.Messages {
		conv, ok := s.conversations[m.ConversationID]
		if !ok {
			return nil, fmt.Errorf("message %s references unknown conversation %s", m.ID, m.ConversationID)
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
		if m.SentAt.After(conv.LastMessageAt) {
			conv.LastMessageAt = m.SentAt
		}
	}
	for id := range s.messages {
		msgs := s.messages[id]
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].SentAt.Before(msgs[j].SentAt) })
	}
	return s, nil
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (Seed, error) {
	var seed Seed
	raw, err := os.ReadFile(path)
	if err != nil {
		return seed, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return seed, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	return seed, nil
}

// SearchContacts ranks every other user against query.
func (s *Store) SearchContacts(ctx context.Context, actingUserID, query string, limit int) ([]tools.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(query), "@"))
	if q == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []tools.Contact
	for _, u := range s.users {
		if u.ID == actingUserID {
			continue
		}
		if score := matchScore(u, q); score > 0 {
			out = append(out, tools.Contact{
				UserID:      u.ID,
				DisplayName: u.DisplayName,
				Username:    u.Username,
				Email:       u.Email,
				Score:       score,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matchScore(u User, q string) float64 {
	name := strings.ToLower(u.DisplayName)
	switch {
	case name == q || strings.ToLower(u.Username) == q || strings.ToLower(u.Email) == q:
		return 1
	}
	for _, word := range strings.Fields(name) {
		if word == q {
			return 0.9
		}
		if strings.HasPrefix(word, q) {
			return 0.8
		}
	}
	switch {
	case strings.HasPrefix(strings.ToLower(u.Username), q):
		return 0.7
	case strings.Contains(name, q):
		return 0.6
	case strings.Contains(strings.ToLower(u.Email), q):
		return 0.5
	}
	return 0
}

// DisplayName returns a user's display name.
func (s *Store) DisplayName(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return "", tools.ErrNotFound
	}
	return u.DisplayName, nil
}

// FindOrCreateDirect returns the one-to-one conversation between the two users.
func (s *Store) FindOrCreateDirect(ctx context.Context, actingUserID, participantID string, create bool) (tools.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return tools.Conversation{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[participantID]; !ok {
		return tools.Conversation{}, false, tools.ErrNotFound
	}
	for _, c := range s.conversations {
		if isDirect(c, actingUserID, participantID) {
			return s.viewLocked(c, actingUserID), false, nil
		}
	}
	if !create {
		return tools.Conversation{}, false, tools.ErrNotFound
	}

	c := &tools.Conversation{
		ID:             "c-" + uuid.NewString(),
		ParticipantIDs: []string{actingUserID, participantID},
	}
	s.conversations[c.ID] = c
	return s.viewLocked(c, actingUserID), true, nil
}

func isDirect(c *tools.Conversation, a, b string) bool {
	if len(c.ParticipantIDs) != 2 {
		return false
	}
	p := c.ParticipantIDs
	return (p[0] == a && p[1] == b) || (p[0] == b && p[1] == a)
}

// viewLocked copies c, naming untitled direct conversations after the other participant.
func (s *Store) viewLocked(c *tools.Conversation, viewer string) tools.Conversation {
	out := *c
	out.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	if out.Title == "" {
		var names []string
		for _, p := range c.ParticipantIDs {
			if p != viewer {
				names = append(names, s.users[p].DisplayName)
			}
		}
		out.Title = strings.Join(names, ", ")
	}
	return out
}

// ListConversations returns the acting user's conversations, newest first.
func (s *Store) ListConversations(ctx context.Context, actingUserID string, limit int, unreadOnly bool) ([]tools.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []tools.Conversation
	for _, c := range s.conversations {
		if !participates(c, actingUserID) || (unreadOnly && c.UnreadCount == 0) {
			continue
		}
		out = append(out, s.viewLocked(c, actingUserID))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetConversation returns a conversation the acting user participates in.
func (s *Store) GetConversation(ctx context.Context, actingUserID, conversationID string) (tools.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return tools.Conversation{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[conversationID]
	if !ok || !participates(c, actingUserID) {
		return tools.Conversation{}, tools.ErrNotFound
	}
	return s.viewLocked(c, actingUserID), nil
}

func participates(c *tools.Conversation, userID string) bool {
	for _, p := range c.ParticipantIDs {
		if p == userID {
			return true
		}
	}
	return false
}

// SendMessage appends a message from the acting user.
func (s *Store) SendMessage(ctx context.Context, actingUserID, conversationID, content string) (tools.Message, error) {
	if err := ctx.Err(); err != nil {
		return tools.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok || !participates(c, actingUserID) {
		return tools.Message{}, tools.ErrNotFound
	}
	msg := tools.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       actingUserID,
		SenderName:     s.users[actingUserID].DisplayName,
		Content:        content,
		SentAt:         s.now().UTC(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	c.LastMessageAt = msg.SentAt
	return msg, nil
}

// ListMessages returns the latest limit messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, actingUserID, conversationID string, limit int) ([]tools.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[conversationID]
	if !ok || !participates(c, actingUserID) {
		return nil, tools.ErrNotFound
	}
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]tools.Message, len(msgs))
	for i, m := range msgs {
		m.SenderName = s.users[m.SenderID].DisplayName
		out[i] = m
	}
	return out, nil
}

// Collaborators wires the store and the given text services into the tool set.
func (s *Store) Collaborators(summarizer tools.Summarizer, analyzer tools.ContentAnalyzer) tools.Collaborators {
	return tools.Collaborators{
		Contacts:      s,
		Conversations: s,
		Messages:      s,
		Summarizer:    summarizer,
		Analyzer:      analyzer,
	}
}
