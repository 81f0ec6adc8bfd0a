package entity

import (
	"fmt"
	"strings"
	"time"
)

type Type string

const (
	TypePost       Type = "post"
	TypeUser       Type = "user"
	TypeTopic      Type = "topic"
	TypeCollection Type = "collection"
	TypeComment    Type = "comment"
	TypeVote       Type = "vote"
)

// HarvestOrder lists the entity types so that every type appears after the
// types its rows reference.
var HarvestOrder = []Type{TypeUser, TypeTopic, TypePost, TypeCollection, TypeComment, TypeVote}

func (t Type) Valid() bool {
	switch t {
	case TypePost, TypeUser, TypeTopic, TypeCollection, TypeComment, TypeVote:
		return true
	default:
		return false
	}
}

func (t Type) String() string {
	return string(t)
}

func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	t = Type(strings.TrimSuffix(string(t), "s"))
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", raw)
	}
	return t, nil
}

// Record is a normalized entity ready for storage.
type Record interface {
	EntityType() Type
	Key() string
	Timestamp() time.Time
}

type User struct {
	ID              string `validate:"required"`
	Username        string `validate:"required"`
	Name            string
	Headline        string
	TwitterUsername string
	WebsiteURL      string
	URL             string
	ProfileImage    string
	CoverImage      string
	IsMaker         bool
	CreatedAt       time.Time
	Following       []User `validate:"dive"`
}

func (u *User) EntityType() Type     { return TypeUser }
func (u *User) Key() string          { return u.ID }
func (u *User) Timestamp() time.Time { return u.CreatedAt }

type Topic struct {
	ID             string `validate:"required"`
	Name           string `validate:"required"`
	Slug           string `validate:"required"`
	Description    string
	URL            string
	Image          string
	FollowersCount int `validate:"gte=0"`
	PostsCount     int `validate:"gte=0"`
	CreatedAt      time.Time
}

func (t *Topic) EntityType() Type     { return TypeTopic }
func (t *Topic) Key() string          { return t.ID }
func (t *Topic) Timestamp() time.Time { return t.CreatedAt }

// Media belongs exclusively to one post; Position is its index in the
// upstream list.
type Media struct {
	Position int    `validate:"gte=0"`
	Type     string `validate:"required"`
	URL      string `validate:"required"`
	VideoURL string
}

type Post struct {
	ID            string `validate:"required"`
	UserID        string
	Name          string `validate:"required"`
	Tagline       string
	Description   string
	Slug          string
	URL           string
	Website       string
	CreatedAt     time.Time `validate:"required"`
	FeaturedAt    *time.Time
	CommentsCount int `validate:"gte=0"`
	VotesCount    int `validate:"gte=0"`
	ReviewsCount  int `validate:"gte=0"`
	ReviewsRating float64 `validate:"gte=0,lte=5"`
	Thumbnail     *Media
	ProductLinks  string

	Media  []Media `validate:"dive"`
	User   *User
	Makers []User  `validate:"dive"`
	Topics []Topic `validate:"dive"`
}

func (p *Post) EntityType() Type     { return TypePost }
func (p *Post) Key() string          { return p.ID }
func (p *Post) Timestamp() time.Time { return p.CreatedAt }

type Collection struct {
	ID             string `validate:"required"`
	UserID         string `validate:"required"`
	Name           string `validate:"required"`
	Tagline        string
	Description    string
	URL            string
	CoverImage     string
	FollowersCount int `validate:"gte=0"`
	CreatedAt      time.Time `validate:"required"`
	FeaturedAt     *time.Time

	User    *User
	PostIDs []string
	Topics  []Topic `validate:"dive"`
}

func (c *Collection) EntityType() Type     { return TypeCollection }
func (c *Collection) Key() string          { return c.ID }
func (c *Collection) Timestamp() time.Time { return c.CreatedAt }

type Comment struct {
	ID         string `validate:"required"`
	PostID     string `validate:"required"`
	UserID     string `validate:"required"`
	ParentID   string
	Body       string `validate:"required"`
	URL        string
	VotesCount int       `validate:"gte=0"`
	CreatedAt  time.Time `validate:"required"`

	User *User
}

func (c *Comment) EntityType() Type     { return TypeComment }
func (c *Comment) Key() string          { return c.ID }
func (c *Comment) Timestamp() time.Time { return c.CreatedAt }

// Vote targets either a post or a comment, never both.
type Vote struct {
	ID        string    `validate:"required"`
	UserID    string    `validate:"required"`
	PostID    string    `validate:"required_without=CommentID,excluded_with=CommentID"`
	CommentID string    `validate:"required_without=PostID,excluded_with=PostID"`
	CreatedAt time.Time `validate:"required"`

	User *User
}

func (v *Vote) EntityType() Type     { return TypeVote }
func (v *Vote) Key() string          { return v.ID }
func (v *Vote) Timestamp() time.Time { return v.CreatedAt }

// Checkpoint is the persisted harvest progress of one entity type.
type Checkpoint struct {
	Type          Type
	LastTimestamp time.Time
	LastCursor    string
	// WindowStart is the created-after bound LastCursor was issued under;
	// zero when the traversal was unbounded.
	WindowStart time.Time
	LastRunAt   time.Time
}
