package models

import "time"

// AuthorSummary is the small author projection rendered next to a comment.
type AuthorSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Comment is one node of a post's discussion tree.
//
// ParentID is empty for top-level comments. Replies is derived by the tree
// builder and never stored independently.
type Comment struct {
	ID         string        `json:"id"`
	TempID     string        `json:"temp_id,omitempty"`
	PostID     string        `json:"post_id"`
	ParentID   string        `json:"parent_id,omitempty"`
	Author     AuthorSummary `json:"author"`
	Body       string        `json:"body"`
	CreatedAt  time.Time     `json:"created_at"`
	LikesCount int           `json:"likes_count"`
	LikedByMe  bool          `json:"liked_by_me"`
	Outcome    EntryOutcome  `json:"outcome,omitempty"`
	Replies    []*Comment    `json:"replies,omitempty"`
}

// Provisional reports whether the comment is still a local optimistic insert.
func (c *Comment) Provisional() bool {
	return c.TempID != "" && c.ID == c.TempID
}

// Clone returns a deep copy of the comment and its replies.
func (c *Comment) Clone() *Comment {
	if c == nil {
		return nil
	}
	out := *c
	if len(c.Replies) > 0 {
		out.Replies = make([]*Comment, 0, len(c.Replies))
		for _, reply := range c.Replies {
			out.Replies = append(out.Replies, reply.Clone())
		}
	} else {
		out.Replies = nil
	}
	return &out
}
