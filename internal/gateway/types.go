// ABOUTME: Wire types for the conversation backend REST surface
// ABOUTME: Conversations, messages, and the product summary collaborator view

package gateway

// Conversation is a buyer/seller thread as the backend returns it.
// DisplayName is denormalized for whichever side the local user is not.
type Conversation struct {
	ID            string `json:"id"`
	SellerID      string `json:"sellerId"`
	BuyerID       string `json:"buyerId"`
	DisplayName   string `json:"displayName"`
	LastMessage   string `json:"lastMessage"`
	LastMessageAt string `json:"lastMessageAt"`
	UnreadCount   int    `json:"unreadCount"`
	ProductID     string `json:"productId,omitempty"`
}

// Message is one entry in a conversation. ID is assigned by the backend on
// persistence; optimistic entries carry their correlation id as a
// placeholder until the authoritative copy resolves.
//
// IsFromMe is computed per viewer by comparing Sender to the local user id.
// It is never serialized.
type Message struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversationId"`
	Sender         string   `json:"sender"`
	Content        string   `json:"content"`
	OfferPrice     *float64 `json:"offerPrice,omitempty"`
	Timestamp      string   `json:"timestamp"`
	CorrelationID  string   `json:"correlationId,omitempty"`

	IsFromMe bool `json:"-"`
}

// Product is the read-only summary shown above a conversation's message
// list when the thread is linked to a listing.
type Product struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Price    float64 `json:"price"`
	ImageURL string  `json:"imageUrl,omitempty"`
}

// CreateConversationRequest opens a thread with a seller about a product.
type CreateConversationRequest struct {
	SellerID       string   `json:"sellerId"`
	ProductID      string   `json:"productId,omitempty"`
	InitialMessage string   `json:"initialMessage"`
	OfferPrice     *float64 `json:"offerPrice,omitempty"`
}

// SendMessageRequest appends a message to an existing conversation.
// CorrelationID is client-generated and carried through both the
// authoritative and push paths so receivers can pair the copies.
type SendMessageRequest struct {
	Content       string   `json:"content"`
	ProductID     string   `json:"productId,omitempty"`
	OfferPrice    *float64 `json:"offerPrice,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
}
