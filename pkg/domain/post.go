package domain

import "time"

const (
	MaxTitleLen = 200
	MaxBodyLen  = 50000
)

// ContentPost is a creator-authored item. SealedBody holds the AEAD-sealed
// body for gated posts and never leaves the server.
type ContentPost struct {
	ID         string    `json:"id"`
	Creator    string    `json:"creator"`
	Title      string    `json:"title"`
	Body       *string   `json:"body"`
	MinTier    uint8     `json:"min_tier"`
	ContentID  string    `json:"content_id"`
	CreatedAt  time.Time `json:"created_at"`
	SealedBody []byte    `json:"-"`
}

// Redacted returns a transport-safe copy: Body is nil whenever MinTier > 0.
// This null-out is the load-bearing security property the access gate depends
// on; gated text must never be present in a payload reaching an unauthorized
// client.
func (p ContentPost) Redacted() ContentPost {
	out := p
	out.SealedBody = nil
	if p.MinTier > 0 {
		out.Body = nil
	}
	return out
}

type CreatePostParams struct {
	Creator   string
	Title     string
	Body      string
	MinTier   uint8
	ContentID string
}
