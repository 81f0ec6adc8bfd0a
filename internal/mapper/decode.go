package mapper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/producthuntdb/internal/entity"
)

// list decodes either a plain JSON array or a GraphQL connection
// ({"nodes": [...]} or {"edges": [{"node": ...}]}) into a flat slice.
type list[T any] []T

func (l *list[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if data[0] == '[' {
		var items []T
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	var conn struct {
		Nodes []T `json:"nodes"`
		Edges []struct {
			Node T `json:"node"`
		} `json:"edges"`
	}
	if err := json.Unmarshal(data, &conn); err != nil {
		return err
	}
	items := conn.Nodes
	for _, edge := range conn.Edges {
		items = append(items, edge.Node)
	}
	*l = items
	return nil
}

type ref struct {
	ID string `json:"id"`
}

type wireUser struct {
	ID              string         `json:"id"`
	Username        string         `json:"username"`
	Name            string         `json:"name"`
	Headline        string         `json:"headline"`
	TwitterUsername string         `json:"twitterUsername"`
	WebsiteURL      string         `json:"websiteUrl"`
	URL             string         `json:"url"`
	ProfileImage    string         `json:"profileImage"`
	CoverImage      string         `json:"coverImage"`
	IsMaker         bool           `json:"isMaker"`
	CreatedAt       string         `json:"createdAt"`
	Following       list[wireUser] `json:"following"`
}

type wireTopic struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Slug           string `json:"slug"`
	Description    string `json:"description"`
	URL            string `json:"url"`
	Image          string `json:"image"`
	FollowersCount int    `json:"followersCount"`
	PostsCount     int    `json:"postsCount"`
	CreatedAt      string `json:"createdAt"`
}

type wireMedia struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	VideoURL string `json:"videoUrl"`
}

type wirePost struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Name          string          `json:"name"`
	Tagline       string          `json:"tagline"`
	Description   string          `json:"description"`
	Slug          string          `json:"slug"`
	URL           string          `json:"url"`
	Website       string          `json:"website"`
	CreatedAt     string          `json:"createdAt"`
	FeaturedAt    string          `json:"featuredAt"`
	CommentsCount int             `json:"commentsCount"`
	VotesCount    int             `json:"votesCount"`
	ReviewsCount  int             `json:"reviewsCount"`
	ReviewsRating float64         `json:"reviewsRating"`
	User          *wireUser       `json:"user"`
	Makers        list[wireUser]  `json:"makers"`
	Topics        list[wireTopic] `json:"topics"`
	ProductLinks  json.RawMessage `json:"productLinks"`
	Thumbnail     *wireMedia      `json:"thumbnail"`
	Media         list[wireMedia] `json:"media"`
}

type wireCollection struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	Name           string          `json:"name"`
	Tagline        string          `json:"tagline"`
	Description    string          `json:"description"`
	URL            string          `json:"url"`
	CoverImage     string          `json:"coverImage"`
	CreatedAt      string          `json:"createdAt"`
	FeaturedAt     string          `json:"featuredAt"`
	FollowersCount int             `json:"followersCount"`
	User           *wireUser       `json:"user"`
	Posts          list[ref]       `json:"posts"`
	Topics         list[wireTopic] `json:"topics"`
}

type wireComment struct {
	ID         string    `json:"id"`
	Body       string    `json:"body"`
	URL        string    `json:"url"`
	CreatedAt  string    `json:"createdAt"`
	VotesCount int       `json:"votesCount"`
	UserID     string    `json:"userId"`
	PostID     string    `json:"postId"`
	ParentID   string    `json:"parentId"`
	User       *wireUser `json:"user"`
	Post       *ref      `json:"post"`
	Parent     *ref      `json:"parent"`
}

type wireVote struct {
	ID        string    `json:"id"`
	CreatedAt string    `json:"createdAt"`
	UserID    string    `json:"userId"`
	PostID    string    `json:"postId"`
	CommentID string    `json:"commentId"`
	User      *wireUser `json:"user"`
	Post      *ref      `json:"post"`
	Comment   *ref      `json:"comment"`
}

func decode(raw json.RawMessage, t entity.Type) (entity.Record, error) {
	switch t {
	case entity.TypeUser:
		var w wireUser
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return w.toEntity("")
	case entity.TypeTopic:
		var w wireTopic
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return w.toEntity("")
	case entity.TypePost:
		var w wirePost
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return w.toEntity()
	case entity.TypeCollection:
		var w wireCollection
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return w.toEntity()
	case entity.TypeComment:
		var w wireComment
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return w.toEntity()
	case entity.TypeVote:
		var w wireVote
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return w.toEntity()
	default:
		return nil, fmt.Errorf("unsupported entity type %q", t)
	}
}

func (w wireUser) toEntity(prefix string) (*entity.User, error) {
	createdAt, err := parseOptionalTime(prefix+"createdAt", w.CreatedAt)
	if err != nil {
		return nil, err
	}
	u := &entity.User{
		ID:              strings.TrimSpace(w.ID),
		Username:        strings.TrimSpace(w.Username),
		Name:            w.Name,
		Headline:        w.Headline,
		TwitterUsername: w.TwitterUsername,
		WebsiteURL:      w.WebsiteURL,
		URL:             w.URL,
		ProfileImage:    w.ProfileImage,
		CoverImage:      w.CoverImage,
		IsMaker:         w.IsMaker,
	}
	if createdAt != nil {
		u.CreatedAt = *createdAt
	}
	for i, f := range w.Following {
		followed, err := f.toEntity(fmt.Sprintf("%sfollowing[%d].", prefix, i))
		if err != nil {
			return nil, err
		}
		u.Following = append(u.Following, *followed)
	}
	return u, nil
}

func (w wireTopic) toEntity(prefix string) (*entity.Topic, error) {
	createdAt, err := parseOptionalTime(prefix+"createdAt", w.CreatedAt)
	if err != nil {
		return nil, err
	}
	t := &entity.Topic{
		ID:             strings.TrimSpace(w.ID),
		Name:           w.Name,
		Slug:           w.Slug,
		Description:    w.Description,
		URL:            w.URL,
		Image:          w.Image,
		FollowersCount: w.FollowersCount,
		PostsCount:     w.PostsCount,
	}
	if createdAt != nil {
		t.CreatedAt = *createdAt
	}
	return t, nil
}

func (w wirePost) toEntity() (*entity.Post, error) {
	createdAt, err := parseTime("createdAt", w.CreatedAt)
	if err != nil {
		return nil, err
	}
	featuredAt, err := parseOptionalTime("featuredAt", w.FeaturedAt)
	if err != nil {
		return nil, err
	}
	p := &entity.Post{
		ID:            strings.TrimSpace(w.ID),
		UserID:        strings.TrimSpace(w.UserID),
		Name:          w.Name,
		Tagline:       w.Tagline,
		Description:   w.Description,
		Slug:          w.Slug,
		URL:           w.URL,
		Website:       w.Website,
		CreatedAt:     createdAt,
		FeaturedAt:    featuredAt,
		CommentsCount: w.CommentsCount,
		VotesCount:    w.VotesCount,
		ReviewsCount:  w.ReviewsCount,
		ReviewsRating: w.ReviewsRating,
	}
	if links := bytes.TrimSpace(w.ProductLinks); len(links) > 0 && !bytes.Equal(links, []byte("null")) {
		p.ProductLinks = string(links)
	}
	if w.Thumbnail != nil {
		p.Thumbnail = &entity.Media{Type: w.Thumbnail.Type, URL: w.Thumbnail.URL, VideoURL: w.Thumbnail.VideoURL}
	}
	for i, m := range w.Media {
		p.Media = append(p.Media, entity.Media{Position: i, Type: m.Type, URL: m.URL, VideoURL: m.VideoURL})
	}
	if w.User != nil {
		owner, err := w.User.toEntity("user.")
		if err != nil {
			return nil, err
		}
		p.User = owner
		if p.UserID == "" {
			p.UserID = owner.ID
		}
	}
	seenMakers := map[string]struct{}{}
	for i, m := range w.Makers {
		maker, err := m.toEntity(fmt.Sprintf("makers[%d].", i))
		if err != nil {
			return nil, err
		}
		if _, dup := seenMakers[maker.ID]; dup {
			continue
		}
		seenMakers[maker.ID] = struct{}{}
		p.Makers = append(p.Makers, *maker)
	}
	seenTopics := map[string]struct{}{}
	for i, tw := range w.Topics {
		topic, err := tw.toEntity(fmt.Sprintf("topics[%d].", i))
		if err != nil {
			return nil, err
		}
		if _, dup := seenTopics[topic.ID]; dup {
			continue
		}
		seenTopics[topic.ID] = struct{}{}
		p.Topics = append(p.Topics, *topic)
	}
	return p, nil
}

func (w wireCollection) toEntity() (*entity.Collection, error) {
	createdAt, err := parseTime("createdAt", w.CreatedAt)
	if err != nil {
		return nil, err
	}
	featuredAt, err := parseOptionalTime("featuredAt", w.FeaturedAt)
	if err != nil {
		return nil, err
	}
	c := &entity.Collection{
		ID:             strings.TrimSpace(w.ID),
		UserID:         strings.TrimSpace(w.UserID),
		Name:           w.Name,
		Tagline:        w.Tagline,
		Description:    w.Description,
		URL:            w.URL,
		CoverImage:     w.CoverImage,
		FollowersCount: w.FollowersCount,
		CreatedAt:      createdAt,
		FeaturedAt:     featuredAt,
	}
	if w.User != nil {
		curator, err := w.User.toEntity("user.")
		if err != nil {
			return nil, err
		}
		c.User = curator
		if c.UserID == "" {
			c.UserID = curator.ID
		}
	}
	seenPosts := map[string]struct{}{}
	for _, post := range w.Posts {
		id := strings.TrimSpace(post.ID)
		if id == "" {
			continue
		}
		if _, dup := seenPosts[id]; dup {
			continue
		}
		seenPosts[id] = struct{}{}
		c.PostIDs = append(c.PostIDs, id)
	}
	seenTopics := map[string]struct{}{}
	for i, tw := range w.Topics {
		topic, err := tw.toEntity(fmt.Sprintf("topics[%d].", i))
		if err != nil {
			return nil, err
		}
		if _, dup := seenTopics[topic.ID]; dup {
			continue
		}
		seenTopics[topic.ID] = struct{}{}
		c.Topics = append(c.Topics, *topic)
	}
	return c, nil
}

func (w wireComment) toEntity() (*entity.Comment, error) {
	createdAt, err := parseTime("createdAt", w.CreatedAt)
	if err != nil {
		return nil, err
	}
	c := &entity.Comment{
		ID:         strings.TrimSpace(w.ID),
		PostID:     firstNonEmpty(w.PostID, refID(w.Post)),
		UserID:     strings.TrimSpace(w.UserID),
		ParentID:   firstNonEmpty(w.ParentID, refID(w.Parent)),
		Body:       w.Body,
		URL:        w.URL,
		VotesCount: w.VotesCount,
		CreatedAt:  createdAt,
	}
	if c.ParentID == c.ID {
		return nil, &ValidationError{Field: "parentId", Reason: "must not reference the comment itself"}
	}
	if w.User != nil {
		author, err := w.User.toEntity("user.")
		if err != nil {
			return nil, err
		}
		c.User = author
		if c.UserID == "" {
			c.UserID = author.ID
		}
	}
	return c, nil
}

func (w wireVote) toEntity() (*entity.Vote, error) {
	createdAt, err := parseTime("createdAt", w.CreatedAt)
	if err != nil {
		return nil, err
	}
	v := &entity.Vote{
		ID:        strings.TrimSpace(w.ID),
		UserID:    strings.TrimSpace(w.UserID),
		PostID:    firstNonEmpty(w.PostID, refID(w.Post)),
		CommentID: firstNonEmpty(w.CommentID, refID(w.Comment)),
		CreatedAt: createdAt,
	}
	if w.User != nil {
		voter, err := w.User.toEntity("user.")
		if err != nil {
			return nil, err
		}
		v.User = voter
		if v.UserID == "" {
			v.UserID = voter.ID
		}
	}
	return v, nil
}

func refID(r *ref) string {
	if r == nil {
		return ""
	}
	return r.ID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime coerces an upstream timestamp to UTC. Values without a zone are
// taken as UTC.
func parseTime(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, &ValidationError{Field: field, Reason: "is required"}
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, &ValidationError{Field: field, Reason: fmt.Sprintf("is not a valid timestamp: %q", raw)}
}

func parseOptionalTime(field, raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	ts, err := parseTime(field, raw)
	if err != nil {
		return nil, err
	}
	return &ts, nil
}
