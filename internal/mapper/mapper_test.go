package mapper

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/agentworkforce/producthuntdb/internal/entity"
)

func newTestMapper(t *testing.T) *Mapper {
	t.Helper()
	m, err := New()
	if err != nil {
		t.Fatalf("new mapper: %v", err)
	}
	return m
}

func expectValidationError(t *testing.T, err error, field string) *ValidationError {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected error to match ErrInvalidRecord")
	}
	if verr.Field != field {
		t.Fatalf("expected field %q, got %q (%s)", field, verr.Field, verr.Reason)
	}
	return verr
}

func TestNormalizePostFlattensConnections(t *testing.T) {
	m := newTestMapper(t)
	raw := json.RawMessage(`{
		"id": "p1",
		"name": "Widget",
		"tagline": "Makes widgets",
		"createdAt": "2024-03-01T08:00:00-05:00",
		"featuredAt": "2024-03-01T13:00:00Z",
		"votesCount": 12,
		"commentsCount": 3,
		"reviewsRating": 4.5,
		"user": {"id": "u1", "username": "owner"},
		"makers": [{"id": "u1", "username": "owner"}, {"id": "u2", "username": "second"}, {"id": "u2", "username": "second"}],
		"topics": {"nodes": [{"id": "t1", "name": "Tech", "slug": "tech"}, {"id": "t2", "name": "AI", "slug": "ai"}]},
		"productLinks": [{"type": "website", "url": "https://example.com"}],
		"thumbnail": {"type": "image", "url": "https://img/thumb.png"},
		"media": [{"type": "image", "url": "https://img/1.png"}, {"type": "video", "url": "https://img/2.png", "videoUrl": "https://v/2"}]
	}`)
	rec, err := m.Normalize(raw, entity.TypePost)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	post, ok := rec.(*entity.Post)
	if !ok {
		t.Fatalf("expected *entity.Post, got %T", rec)
	}
	wantCreated := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	if !post.CreatedAt.Equal(wantCreated) || post.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected createdAt %s in UTC, got %s", wantCreated, post.CreatedAt)
	}
	if post.FeaturedAt == nil || !post.FeaturedAt.Equal(wantCreated) {
		t.Fatalf("expected featuredAt to be parsed, got %v", post.FeaturedAt)
	}
	if post.UserID != "u1" {
		t.Fatalf("expected owner id from embedded user, got %q", post.UserID)
	}
	if len(post.Makers) != 2 {
		t.Fatalf("expected duplicate makers to collapse to 2, got %d", len(post.Makers))
	}
	if len(post.Topics) != 2 || post.Topics[1].Slug != "ai" {
		t.Fatalf("expected topics flattened from nodes, got %+v", post.Topics)
	}
	if len(post.Media) != 2 || post.Media[1].Position != 1 || post.Media[1].VideoURL != "https://v/2" {
		t.Fatalf("expected ordered media, got %+v", post.Media)
	}
	if post.Thumbnail == nil || post.Thumbnail.URL != "https://img/thumb.png" {
		t.Fatalf("expected thumbnail, got %+v", post.Thumbnail)
	}
	if post.ProductLinks == "" {
		t.Fatalf("expected product links to be kept as json")
	}
}

func TestNormalizeRejectsMissingRequiredField(t *testing.T) {
	m := newTestMapper(t)
	_, err := m.Normalize(json.RawMessage(`{"id":"p9","createdAt":"2024-03-01T00:00:00Z"}`), entity.TypePost)
	verr := expectValidationError(t, err, "name")
	if verr.ID != "p9" || verr.Type != entity.TypePost {
		t.Fatalf("expected error to identify post p9, got %+v", verr)
	}
}

func TestNormalizeRejectsNegativeCounts(t *testing.T) {
	m := newTestMapper(t)
	_, err := m.Normalize(json.RawMessage(`{"id":"p1","name":"x","createdAt":"2024-03-01T00:00:00Z","votesCount":-1}`), entity.TypePost)
	expectValidationError(t, err, "votesCount")

	_, err = m.Normalize(json.RawMessage(`{"id":"t1","name":"Tech","slug":"tech","followersCount":-4}`), entity.TypeTopic)
	expectValidationError(t, err, "followersCount")
}

func TestNormalizeRejectsBadTimestamp(t *testing.T) {
	m := newTestMapper(t)
	_, err := m.Normalize(json.RawMessage(`{"id":"p1","name":"x","createdAt":"yesterday"}`), entity.TypePost)
	expectValidationError(t, err, "createdAt")
}

func TestNormalizeRejectsWrongType(t *testing.T) {
	m := newTestMapper(t)
	_, err := m.Normalize(json.RawMessage(`{"id":"p1","name":42,"createdAt":"2024-03-01T00:00:00Z"}`), entity.TypePost)
	expectValidationError(t, err, "name")
}

func TestNormalizeRejectsNestedMakerWithoutID(t *testing.T) {
	m := newTestMapper(t)
	_, err := m.Normalize(json.RawMessage(`{"id":"p1","name":"x","createdAt":"2024-03-01T00:00:00Z","makers":[{"username":"ghost"}]}`), entity.TypePost)
	expectValidationError(t, err, "makers.0.id")
}

func TestNormalizeRejectsInvalidJSON(t *testing.T) {
	m := newTestMapper(t)
	_, err := m.Normalize(json.RawMessage(`{"id":`), entity.TypePost)
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected invalid record error, got %v", err)
	}
}

func TestNormalizeCommentReferences(t *testing.T) {
	m := newTestMapper(t)
	rec, err := m.Normalize(json.RawMessage(`{
		"id": "c2",
		"body": "nice",
		"createdAt": "2024-03-02T00:00:00Z",
		"votesCount": 1,
		"user": {"id": "u3", "username": "commenter"},
		"post": {"id": "p1"},
		"parent": {"id": "c1"}
	}`), entity.TypeComment)
	if err != nil {
		t.Fatalf("normalize comment: %v", err)
	}
	comment := rec.(*entity.Comment)
	if comment.PostID != "p1" || comment.ParentID != "c1" || comment.UserID != "u3" {
		t.Fatalf("unexpected comment references: %+v", comment)
	}

	_, err = m.Normalize(json.RawMessage(`{"id":"c3","body":"loop","createdAt":"2024-03-02T00:00:00Z","userId":"u3","postId":"p1","parentId":"c3"}`), entity.TypeComment)
	expectValidationError(t, err, "parentId")
}

func TestNormalizeVoteRequiresExactlyOneSubject(t *testing.T) {
	m := newTestMapper(t)
	rec, err := m.Normalize(json.RawMessage(`{"id":"v1","createdAt":"2024-03-02T00:00:00Z","userId":"u1","post":{"id":"p1"}}`), entity.TypeVote)
	if err != nil {
		t.Fatalf("normalize vote: %v", err)
	}
	if vote := rec.(*entity.Vote); vote.PostID != "p1" || vote.CommentID != "" {
		t.Fatalf("unexpected vote subject: %+v", vote)
	}

	_, err = m.Normalize(json.RawMessage(`{"id":"v2","createdAt":"2024-03-02T00:00:00Z","userId":"u1"}`), entity.TypeVote)
	expectValidationError(t, err, "postID")

	_, err = m.Normalize(json.RawMessage(`{"id":"v3","createdAt":"2024-03-02T00:00:00Z","userId":"u1","postId":"p1","commentId":"c1"}`), entity.TypeVote)
	expectValidationError(t, err, "postID")
}

func TestNormalizeCollection(t *testing.T) {
	m := newTestMapper(t)
	rec, err := m.Normalize(json.RawMessage(`{
		"id": "col1",
		"name": "Favorites",
		"createdAt": "2024-01-05T10:00:00.123Z",
		"followersCount": 7,
		"user": {"id": "u1", "username": "curator"},
		"posts": {"edges": [{"node": {"id": "p1"}}, {"node": {"id": "p2"}}, {"node": {"id": "p1"}}]},
		"topics": [{"id": "t1", "name": "Tech", "slug": "tech"}]
	}`), entity.TypeCollection)
	if err != nil {
		t.Fatalf("normalize collection: %v", err)
	}
	col := rec.(*entity.Collection)
	if col.UserID != "u1" {
		t.Fatalf("expected curator id from embedded user, got %q", col.UserID)
	}
	if len(col.PostIDs) != 2 {
		t.Fatalf("expected 2 distinct post ids from edges, got %v", col.PostIDs)
	}
	if len(col.Topics) != 1 {
		t.Fatalf("expected 1 topic, got %d", len(col.Topics))
	}
}

func TestNormalizeUserWithFollowing(t *testing.T) {
	m := newTestMapper(t)
	rec, err := m.Normalize(json.RawMessage(`{
		"id": "u1",
		"username": "alice",
		"isMaker": true,
		"createdAt": "2020-05-05",
		"following": {"nodes": [{"id": "u2", "username": "bob"}]}
	}`), entity.TypeUser)
	if err != nil {
		t.Fatalf("normalize user: %v", err)
	}
	user := rec.(*entity.User)
	if !user.IsMaker || len(user.Following) != 1 || user.Following[0].ID != "u2" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if !user.CreatedAt.Equal(time.Date(2020, 5, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected date-only timestamp to parse, got %s", user.CreatedAt)
	}
}

func TestNormalizeUnsupportedType(t *testing.T) {
	m := newTestMapper(t)
	if _, err := m.Normalize(json.RawMessage(`{}`), entity.Type("goal")); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected unsupported type to be rejected, got %v", err)
	}
}
