package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by collaborators for unknown ids or ids the acting
// user may not access.
var ErrNotFound = errors.New("not found")

// Contact is one directory entry matched by a search.
type Contact struct {
	UserID      string  `json:"user_id" yaml:"user_id"`
	DisplayName string  `json:"display_name" yaml:"display_name"`
	Username    string  `json:"username,omitempty" yaml:"username"`
	Email       string  `json:"email,omitempty" yaml:"email"`
	Score       float64 `json:"score,omitempty" yaml:"-"`
}

// Conversation is a thread the acting user participates in.
type Conversation struct {
	ID             string    `json:"id" yaml:"id"`
	Title          string    `json:"title" yaml:"title"`
	ParticipantIDs []string  `json:"participant_ids" yaml:"participants"`
	LastMessageAt  time.Time `json:"last_message_at" yaml:"last_message_at"`
	UnreadCount    int       `json:"unread_count" yaml:"unread_count"`
}

// Message is one message in a conversation.
type Message struct {
	ID             string    `json:"id" yaml:"id"`
	ConversationID string    `json:"conversation_id" yaml:"conversation_id"`
	SenderID       string    `json:"sender_id" yaml:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty" yaml:"-"`
	Content        string    `json:"content" yaml:"content"`
	SentAt         time.Time `json:"sent_at" yaml:"sent_at"`
}

// ContactDirectory searches the acting user's contacts. Results are ranked,
// best first, with Score in [0,1].
type ContactDirectory interface {
	SearchContacts(ctx context.Context, actingUserID, query string, limit int) ([]Contact, error)
}

// ConversationService resolves and lists conversations.
type ConversationService interface {
	// FindOrCreateDirect returns the one-to-one conversation with participantID,
	// creating it when create is true. created reports whether it was new.
	FindOrCreateDirect(ctx context.Context, actingUserID, participantID string, create bool) (conv Conversation, created bool, err error)
	ListConversations(ctx context.Context, actingUserID string, limit int, unreadOnly bool) ([]Conversation, error)
	GetConversation(ctx context.Context, actingUserID, conversationID string) (Conversation, error)
	DisplayName(ctx context.Context, userID string) (string, error)
}

// MessageService sends and reads messages.
type MessageService interface {
	SendMessage(ctx context.Context, actingUserID, conversationID, content string) (Message, error)
	ListMessages(ctx context.Context, actingUserID, conversationID string, limit int) ([]Message, error)
}

// Summarizer condenses a conversation.
type Summarizer interface {
	Summarize(ctx context.Context, conv Conversation, messages []Message, style string) (string, error)
}

// ContentAnalyzer answers a question about a conversation.
type ContentAnalyzer interface {
	Analyze(ctx context.Context, conv Conversation, messages []Message, question string) (answer string, confidence float64, err error)
}

// Collaborators bundles the services the operations call into.
type Collaborators struct {
	Contacts      ContactDirectory
	Conversations ConversationService
	Messages      MessageService
	Summarizer    Summarizer
	Analyzer      ContentAnalyzer
}

func (c Collaborators) validate() error {
	var missing []string
	if c.Contacts == nil {
		missing = append(missing, "contacts")
	}
	if c.Conversations == nil {
		missing = append(missing, "conversations")
	}
	if c.Messages == nil {
		missing = append(missing, "messages")
	}
	if c.Summarizer == nil {
		missing = append(missing, "summarizer")
	}
	if c.Analyzer == nil {
		missing = append(missing, "analyzer")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing collaborators: %s", strings.Join(missing, ", "))
	}
	return nil
}
