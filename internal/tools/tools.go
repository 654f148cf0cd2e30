// Package tools implements the messaging operations exposed to the planner.
package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/dragonscale-assist"
	"github.com/ZanzyTHEbar/dragonscale-assist/internal/adapters"
)

// Operation names.
const (
	OpLookupContacts        = "lookup_contacts"
	OpResolveConversation   = "resolve_conversation"
	OpListConversations     = "list_conversations"
	OpSendMessage           = "send_message"
	OpGetMessages           = "get_messages"
	OpSummarizeConversation = "summarize_conversation"
	OpAnalyzeConversation   = "analyze_conversation"
)

const (
	defaultContactLimit      = 5
	defaultConversationLimit = 10
	defaultMessageLimit      = 20
	defaultSummaryLimit      = 50
)

// Summary styles accepted by summarize_conversation.
// ClarificationKindContact tags lookup_contacts clarification requests.
const ClarificationKindContact = "contact"

var summaryStyles = []string{"brief", "detailed", "bullet"}

// SetupTools builds every messaging operation on top of c.
func SetupTools(c Collaborators, logger *zap.Logger) ([]dragonscale.Tool, error) {
	if err := c.validate(); err != nil {
		return nil, dragonscale.NewConfigurationError("cannot build messaging tools", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ops := &operations{c: c, logger: logger}
	log := adapters.WithToolLogger(logger)

	return []dragonscale.Tool{
		adapters.NewGoToolAdapter(OpLookupContacts, ops.lookupContacts,
			adapters.WithDescription("Find a contact by name, username or email. Returns the contact's user_id when the match is unique, otherwise asks the user to choose."),
			adapters.WithKind(dragonscale.KindResolve),
			adapters.WithClarificationKind(ClarificationKindContact),
			adapters.WithParameters(
				dragonscale.ParamSpec{Name: "query", Type: dragonscale.ParamString, Required: true, Description: "Name, username or email to search for"},
				dragonscale.ParamSpec{Name: "limit", Type: dragonscale.ParamInteger, Description: "Maximum number of matches"},
			),
			log,
		),
		adapters.NewGoToolAdapter(OpResolveConversation, ops.resolveConversation,
			adapters.WithDescription("Open the one-to-one conversation with a user, creating it if needed. Returns conversation_id."),
			adapters.WithKind(dragonscale.KindResolve),
			adapters.WithParameters(
				dragonscale.ParamSpec{Name: "participant_id", Type: dragonscale.ParamString, Identifier: true, Required: true, Description: "User id of the other participant"},
				dragonscale.ParamSpec{Name: "create_if_missing", Type: dragonscale.ParamBoolean, Description: "Create the conversation when none exists (default true)"},
			),
			adapters.WithConstraints(dragonscale.Constraint{
				Expression: "participant_id != acting_user_id",
				Message:    "cannot open a conversation with yourself",
			}),
			log,
		),
		adapters.NewGoToolAdapter(OpListConversations, ops.listConversations,
			adapters.WithDescription("List the user's most recent conversations, newest first."),
			adapters.WithKind(dragonscale.KindList),
			adapters.WithParameters(
				dragonscale.ParamSpec{Name: "limit", Type: dragonscale.ParamInteger, Description: "Maximum number of conversations"},
				dragonscale.ParamSpec{Name: "unread_only", Type: dragonscale.ParamBoolean, Description: "Only conversations with unread messages"},
			),
			log,
		),
		adapters.NewGoToolAdapter(OpSendMessage, ops.sendMessage,
			adapters.WithDescription("Send a text message to a user (recipient_id) or into an existing conversation (conversation_id)."),
			adapters.WithKind(dragonscale.KindSend),
			adapters.WithParameters(
				dragonscale.ParamSpec{Name: "recipient_id", Type: dragonscale.ParamString, Identifier: true, Description: "User id of the recipient"},
				dragonscale.ParamSpec{Name: "conversation_id", Type: dragonscale.ParamString, Identifier: true, Description: "Conversation to post into"},
				dragonscale.ParamSpec{Name: "content", Type: dragonscale.ParamString, Required: true, Description: "Message text"},
				dragonscale.ParamSpec{Name: "allow_self", Type: dragonscale.ParamBoolean, Description: "Allow sending to yourself"},
			),
			adapters.WithConstraints(
				dragonscale.Constraint{
					Expression: "recipient_id != acting_user_id || allow_self",
					Message:    "cannot send a message to yourself unless explicitly allowed",
				},
				dragonscale.Constraint{
					Expression: "strlen(content) <= 4000",
					Message:    "message content exceeds 4000 characters",
				},
			),
			log,
		),
		adapters.NewGoToolAdapter(OpGetMessages, ops.getMessages,
			adapters.WithDescription("Read the latest messages of a conversation."),
			adapters.WithKind(dragonscale.KindRead),
			adapters.WithParameters(
				dragonscale.ParamSpec{Name: "conversation_id", Type: dragonscale.ParamString, Identifier: true, Required: true, Description: "Conversation to read"},
				dragonscale.ParamSpec{Name: "limit", Type: dragonscale.ParamInteger, Description: "Maximum number of messages (1-100)"},
			),
			log,
		),
		adapters.NewGoToolAdapter(OpSummarizeConversation, ops.summarizeConversation,
			adapters.WithDescription("Summarize a conversation."),
			adapters.WithKind(dragonscale.KindSummarize),
			adapters.WithParameters(
				dragonscale.ParamSpec{Name: "conversation_id", Type: dragonscale.ParamString, Identifier: true, Required: true, Description: "Conversation to summarize"},
				dragonscale.ParamSpec{Name: "style", Type: dragonscale.ParamString, Enum: summaryStyles, Description: "Summary style"},
				dragonscale.ParamSpec{Name: "limit", Type: dragonscale.ParamInteger, Description: "Number of recent messages to consider"},
			),
			log,
		),
		adapters.NewGoToolAdapter(OpAnalyzeConversation, ops.analyzeConversation,
			adapters.WithDescription("Answer a question about the content of a conversation."),
			adapters.WithKind(dragonscale.KindAnalyze),
			adapters.WithParameters(
				dragonscale.ParamSpec{Name: "conversation_id", Type: dragonscale.ParamString, Identifier: true, Required: true, Description: "Conversation to analyze"},
				dragonscale.ParamSpec{Name: "question", Type: dragonscale.ParamString, Required: true, Description: "Question to answer from the conversation"},
			),
			log,
		),
	}, nil
}

// NewRegistry builds the immutable registry of messaging operations.
func NewRegistry(c Collaborators, logger *zap.Logger) (*dragonscale.Registry, error) {
	tools, err := SetupTools(c, logger)
	if err != nil {
		return nil, err
	}
	return dragonscale.NewRegistry(tools...)
}

type operations struct {
	c      Collaborators
	logger *zap.Logger
}

// failure maps a collaborator error onto an error outcome.
func (o *operations) failure(op string, tc dragonscale.ToolContext, what string, err error) dragonscale.ToolOutcome {
	if errors.Is(err, ErrNotFound) {
		return dragonscale.Failure(what + " not found")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return dragonscale.Failure(op + " was interrupted")
	}
	o.logger.Warn("collaborator failed",
		zap.String("operation", op),
		zap.String("request_id", tc.RequestID),
		zap.Error(err))
	return dragonscale.Failure(fmt.Sprintf("%s failed: %v", op, err))
}

// LookupContactsParams are the parameters of lookup_contacts.
type LookupContactsParams struct {
	Query string `json:"query" validate:"required,max=200"`
	Limit int    `json:"limit,omitempty" validate:"omitempty,min=1,max=20"`
}

func (o *operations) lookupContacts(ctx context.Context, p LookupContactsParams, tc dragonscale.ToolContext) dragonscale.ToolOutcome {
	limit := p.Limit
	if limit == 0 {
		limit = defaultContactLimit
	}
	query := strings.TrimSpace(p.Query)

	matches, err := o.c.Contacts.SearchContacts(ctx, tc.ActingUserID, query, limit)
	if err != nil {
		return o.failure(OpLookupContacts, tc, "contact", err)
	}

	switch len(matches) {
	case 0:
		return dragonscale.Failure(fmt.Sprintf("no contact matches '%s'", query))
	case 1:
		return contactOutcome(matches[0], 1)
	}

	if exact := exactMatches(matches, query); len(exact) == 1 {
		return contactOutcome(exact[0], len(matches))
	}

	options := make([]dragonscale.ClarificationOption, 0, len(matches))
	for _, m := range matches {
		options = append(options, contactOption(m))
	}
	return dragonscale.NeedsClarification(dragonscale.ClarificationRequest{
		Kind:     ClarificationKindContact,
		Question: fmt.Sprintf("I found %d contacts matching '%s'. Which one did you mean?", len(matches), query),
		Options:  options,
	}, map[string]interface{}{"query": query, "match_count": len(matches)})
}

func contactOutcome(c Contact, matchCount int) dragonscale.ToolOutcome {
	confidence := c.Score
	if matchCount == 1 || confidence == 0 {
		confidence = 1
	}
	return dragonscale.Continue(map[string]interface{}{
		"user_id":      c.UserID,
		"display_name": c.DisplayName,
		"username":     c.Username,
		"match_count":  matchCount,
	}).WithConfidence(confidence)
}

func contactOption(c Contact) dragonscale.ClarificationOption {
	subtitle := c.Email
	if c.Username != "" {
		subtitle = "@" + c.Username
	}
	display := c.DisplayName
	if subtitle != "" {
		display = fmt.Sprintf("%s (%s)", c.DisplayName, subtitle)
	}
	return dragonscale.ClarificationOption{
		ID:         c.UserID,
		Title:      c.DisplayName,
		Subtitle:   subtitle,
		Confidence: c.Score,
		Metadata: map[string]interface{}{
			"user_id":      c.UserID,
			"display_name": c.DisplayName,
			"username":     c.Username,
		},
		DisplayText: display,
	}
}

// exactMatches returns contacts whose full name or username equals query.
func exactMatches(matches []Contact, query string) []Contact {
	var out []Contact
	for _, m := range matches {
		if strings.EqualFold(m.DisplayName, query) || strings.EqualFold(m.Username, strings.TrimPrefix(query, "@")) {
			out = append(out, m)
		}
	}
	return out
}

// ResolveConversationParams are the parameters of resolve_conversation.
type ResolveConversationParams struct {
	ParticipantID   string `json:"participant_id" validate:"required"`
	CreateIfMissing *bool  `json:"create_if_missing,omitempty"`
}

func (o *operations) resolveConversation(ctx context.Context, p ResolveConversationParams, tc dragonscale.ToolContext) dragonscale.ToolOutcome {
	if p.ParticipantID == tc.ActingUserID {
		return dragonscale.Failure("cannot open a conversation with yourself")
	}
	create := p.CreateIfMissing == nil || *p.CreateIfMissing

	conv, created, err := o.c.Conversations.FindOrCreateDirect(ctx, tc.ActingUserID, p.ParticipantID, create)
	if err != nil {
		return o.failure(OpResolveConversation, tc, "conversation", err)
	}
	name, err := o.c.Conversations.DisplayName(ctx, p.ParticipantID)
	if err != nil {
		name = ""
	}
	return dragonscale.Continue(map[string]interface{}{
		"conversation_id":  conv.ID,
		"participant_id":   p.ParticipantID,
		"participant_name": name,
		"title":            conv.Title,
		"created":          created,
	})
}

// ListConversationsParams are the parameters of list_conversations.
type ListConversationsParams struct {
	Limit      int  `json:"limit,omitempty" validate:"omitempty,min=1,max=50"`
	UnreadOnly bool `json:"unread_only,omitempty"`
}

func (o *operations) listConversations(ctx context.Context, p ListConversationsParams, tc dragonscale.ToolContext) dragonscale.ToolOutcome {
	limit := p.Limit
	if limit == 0 {
		limit = defaultConversationLimit
	}
	convs, err := o.c.Conversations.ListConversations(ctx, tc.ActingUserID, limit, p.UnreadOnly)
	if err != nil {
		return o.failure(OpListConversations, tc, "conversations", err)
	}

	items := make([]interface{}, 0, len(convs))
	for _, c := range convs {
		items = append(items, map[string]interface{}{
			"id":              c.ID,
			"title":           c.Title,
			"unread_count":    c.UnreadCount,
			"last_message_at": c.LastMessageAt.Format(time.RFC3339),
		})
	}
	return dragonscale.Continue(map[string]interface{}{
		"conversations": items,
		"count":         len(items),
	})
}

// SendMessageParams are the parameters of send_message.
type SendMessageParams struct {
	RecipientID    string `json:"recipient_id,omitempty" validate:"required_without=ConversationID"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content" validate:"required,max=4000"`
	AllowSelf      bool   `json:"allow_self,omitempty"`
}

func (o *operations) sendMessage(ctx context.Context, p SendMessageParams, tc dragonscale.ToolContext) dragonscale.ToolOutcome {
	if p.RecipientID != "" && p.RecipientID == tc.ActingUserID && !p.AllowSelf {
		return dragonscale.Failure("cannot send a message to yourself unless explicitly allowed")
	}
	if strings.TrimSpace(p.Content) == "" {
		return dragonscale.Failure("message content is empty")
	}

	var (
		conv Conversation
		err  error
	)
	if p.ConversationID != "" {
		conv, err = o.c.Conversations.GetConversation(ctx, tc.ActingUserID, p.ConversationID)
	} else {
		conv, _, err = o.c.Conversations.FindOrCreateDirect(ctx, tc.ActingUserID, p.RecipientID, true)
	}
	if err != nil {
		return o.failure(OpSendMessage, tc, "conversation", err)
	}

	msg, err := o.c.Messages.SendMessage(ctx, tc.ActingUserID, conv.ID, p.Content)
	if err != nil {
		return o.failure(OpSendMessage, tc, "conversation", err)
	}

	recipientName := conv.Title
	if p.RecipientID != "" {
		if name, err := o.c.Conversations.DisplayName(ctx, p.RecipientID); err == nil && name != "" {
			recipientName = name
		}
	}
	return dragonscale.Continue(map[string]interface{}{
		"message_id":      msg.ID,
		"conversation_id": conv.ID,
		"recipient_id":    p.RecipientID,
		"recipient_name":  recipientName,
		"content":         msg.Content,
		"sent_at":         msg.SentAt.Format(time.RFC3339),
	})
}

// GetMessagesParams are the parameters of get_messages.
type GetMessagesParams struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	Limit          int    `json:"limit,omitempty" validate:"omitempty,min=1,max=100"`
}

func (o *operations) getMessages(ctx context.Context, p GetMessagesParams, tc dragonscale.ToolContext) dragonscale.ToolOutcome {
	limit := p.Limit
	if limit == 0 {
		limit = defaultMessageLimit
	}
	conv, msgs, outcome, ok := o.readConversation(ctx, OpGetMessages, tc, p.ConversationID, limit)
	if !ok {
		return outcome
	}

	items := make([]interface{}, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, map[string]interface{}{
			"id":          m.ID,
			"sender_id":   m.SenderID,
			"sender_name": m.SenderName,
			"content":     m.Content,
			"sent_at":     m.SentAt.Format(time.RFC3339),
		})
	}
	return dragonscale.Continue(map[string]interface{}{
		"conversation_id": conv.ID,
		"title":           conv.Title,
		"messages":        items,
		"count":           len(items),
	})
}

// SummarizeConversationParams are the parameters of summarize_conversation.
type SummarizeConversationParams struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	Style          string `json:"style,omitempty" validate:"omitempty,oneof=brief detailed bullet"`
	Limit          int    `json:"limit,omitempty" validate:"omitempty,min=1,max=200"`
}

func (o *operations) summarizeConversation(ctx context.Context, p SummarizeConversationParams, tc dragonscale.ToolContext) dragonscale.ToolOutcome {
	limit := p.Limit
	if limit == 0 {
		limit = defaultSummaryLimit
	}
	style := p.Style
	if style == "" {
		style = "brief"
	}
	conv, msgs, outcome, ok := o.readConversation(ctx, OpSummarizeConversation, tc, p.ConversationID, limit)
	if !ok {
		return outcome
	}

	summary := ""
	if len(msgs) > 0 {
		var err error
		summary, err = o.c.Summarizer.Summarize(ctx, conv, msgs, style)
		if err != nil {
			return o.failure(OpSummarizeConversation, tc, "conversation", err)
		}
	}
	return dragonscale.Continue(map[string]interface{}{
		"conversation_id": conv.ID,
		"title":           conv.Title,
		"style":           style,
		"summary":         summary,
		"message_count":   len(msgs),
	})
}

// AnalyzeConversationParams are the parameters of analyze_conversation.
type AnalyzeConversationParams struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	Question       string `json:"question" validate:"required,max=1000"`
}

func (o *operations) analyzeConversation(ctx context.Context, p AnalyzeConversationParams, tc dragonscale.ToolContext) dragonscale.ToolOutcome {
	conv, msgs, outcome, ok := o.readConversation(ctx, OpAnalyzeConversation, tc, p.ConversationID, defaultSummaryLimit)
	if !ok {
		return outcome
	}

	answer, confidence, err := o.c.Analyzer.Analyze(ctx, conv, msgs, p.Question)
	if err != nil {
		return o.failure(OpAnalyzeConversation, tc, "conversation", err)
	}
	return dragonscale.Continue(map[string]interface{}{
		"conversation_id": conv.ID,
		"title":           conv.Title,
		"question":        p.Question,
		"answer":          answer,
	}).WithConfidence(confidence)
}

// readConversation loads a conversation the acting user can see plus its
// latest messages. ok is false when outcome holds the failure to return.
func (o *operations) readConversation(ctx context.Context, op string, tc dragonscale.ToolContext, conversationID string, limit int) (Conversation, []Message, dragonscale.ToolOutcome, bool) {
	conv, err := o.c.Conversations.GetConversation(ctx, tc.ActingUserID, conversationID)
	if err != nil {
		return Conversation{}, nil, o.failure(op, tc, "conversation", err), false
	}
	msgs, err := o.c.Messages.ListMessages(ctx, tc.ActingUserID, conv.ID, limit)
	if err != nil {
		return Conversation{}, nil, o.failure(op, tc, "conversation", err), false
	}
	return conv, msgs, dragonscale.ToolOutcome{}, true
}
