package chatapi

import (
	"time"

	"courtside/internal/chat"
)

type createConversationRequest struct {
	PeerID string `json:"peer_id"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
	Kind    string `json:"kind,omitempty"`
}

type identityResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
}

type conversationResponse struct {
	ID           string              `json:"id"`
	Participants [2]string           `json:"participant_ids"`
	LastMessage  lastMessageResponse `json:"last_message"`
	Unread       int                 `json:"unread"`
	CreatedAt    time.Time           `json:"created_at"`
	Peer         *identityResponse   `json:"peer,omitempty"`
}

type lastMessageResponse struct {
	Content  string    `json:"content"`
	SenderID string    `json:"sender_id"`
	At       time.Time `json:"at"`
}

type messageResponse struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Kind           string    `json:"kind"`
	ReadBy         []string  `json:"read_by"`
	CreatedAt      time.Time `json:"created_at"`
}

type listConversationsResponse struct {
	Conversations []conversationResponse `json:"conversations"`
}

type listMessagesResponse struct {
	Messages []messageResponse `json:"messages"`
}

// toConversationResponse projects a conversation for one viewer: the unread
// count is the viewer's own, never the peer's.
func toConversationResponse(c chat.Conversation, viewerID string) conversationResponse {
	out := conversationResponse{
		ID:           c.ID,
		Participants: c.Participants,
		LastMessage: lastMessageResponse{
			Content:  c.LastMessage.Content,
			SenderID: c.LastMessage.SenderID,
			At:       c.LastMessage.At,
		},
		Unread:    c.Unread[viewerID],
		CreatedAt: c.CreatedAt,
	}
	if c.Peer != nil {
		out.Peer = &identityResponse{
			ID:          c.Peer.ID,
			DisplayName: c.Peer.DisplayName,
			Email:       c.Peer.Email,
		}
	}
	return out
}

func toMessageResponse(m chat.Message) messageResponse {
	readBy := m.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Kind:           m.Kind,
		ReadBy:         readBy,
		CreatedAt:      m.CreatedAt,
	}
}
