package store

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/producthuntdb/internal/entity"
	"github.com/agentworkforce/producthuntdb/internal/metrics"
)

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "memory://", Options{BatchSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testUser(id, username string) entity.User {
	return entity.User{ID: id, Username: username, Name: "User " + id}
}

func testPost(id string, offset time.Duration) *entity.Post {
	owner := testUser("u1", "owner")
	return &entity.Post{
		ID:         id,
		UserID:     owner.ID,
		Name:       "Post " + id,
		Tagline:    "tagline " + id,
		CreatedAt:  baseTime.Add(offset),
		VotesCount: 5,
		User:       &owner,
		Makers:     []entity.User{owner, testUser("u2", "maker")},
		Topics: []entity.Topic{
			{ID: "t1", Name: "Tech", Slug: "tech"},
			{ID: "t2", Name: "AI", Slug: "ai"},
		},
		Media: []entity.Media{
			{Position: 0, Type: "image", URL: "https://img/" + id + "/0"},
			{Position: 1, Type: "image", URL: "https://img/" + id + "/1"},
			{Position: 2, Type: "video", URL: "https://img/" + id + "/2", VideoURL: "https://v/" + id},
		},
	}
}

func counts(t *testing.T, s *Store) map[string]int64 {
	t.Helper()
	c, err := s.Counts(context.Background())
	require.NoError(t, err)
	return c
}

func scanAll(t *testing.T, s *Store, req ScanRequest) []Row {
	t.Helper()
	var rows []Row
	require.NoError(t, s.Scan(context.Background(), req, func(r Row) error {
		rows = append(rows, r)
		return nil
	}))
	return rows
}

func TestUpsertBatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	records := []entity.Record{testPost("p1", 0), testPost("p2", time.Minute), testPost("p3", 2*time.Minute)}

	first, err := s.UpsertBatch(ctx, records)
	require.NoError(t, err)
	for _, res := range first {
		assert.Equal(t, OutcomeInserted, res.Outcome, res.ID)
	}
	before := counts(t, s)

	second, err := s.UpsertBatch(ctx, records)
	require.NoError(t, err)
	for _, res := range second {
		assert.Equal(t, OutcomeUpdated, res.Outcome, res.ID)
	}
	after := counts(t, s)

	assert.Equal(t, before, after)
	assert.EqualValues(t, 3, after["posts"])
	assert.EqualValues(t, 2, after["users"])
	assert.EqualValues(t, 2, after["topics"])
	assert.EqualValues(t, 9, after["post_media"])
	assert.EqualValues(t, 6, after["post_topics"])
	assert.EqualValues(t, 6, after["post_makers"])
}

func TestUpsertReplacesChildAndLinkSets(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	post := testPost("p1", 0)
	_, err := s.Upsert(ctx, post)
	require.NoError(t, err)

	shrunk := testPost("p1", 0)
	shrunk.Tagline = "new tagline"
	shrunk.Media = shrunk.Media[2:]
	shrunk.Media[0].Position = 0
	shrunk.Topics = shrunk.Topics[:1]
	shrunk.Makers = shrunk.Makers[:1]
	res, err := s.Upsert(ctx, shrunk)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)

	c := counts(t, s)
	assert.EqualValues(t, 1, c["post_media"])
	assert.EqualValues(t, 1, c["post_topics"])
	assert.EqualValues(t, 1, c["post_makers"])
	assert.EqualValues(t, 2, c["topics"], "topic rows outlive their links")

	media := scanAll(t, s, ScanRequest{Table: "post_media"})
	require.Len(t, media, 1)
	assert.Equal(t, "video", media[0]["type"])

	posts := scanAll(t, s, ScanRequest{Table: "posts"})
	require.Len(t, posts, 1)
	assert.Equal(t, "new tagline", posts[0]["tagline"])
}

func TestUpsertBatchRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	s.afterWrite = func(index int) error {
		if index == 1 {
			return errors.New("disk full")
		}
		return nil
	}

	_, err := s.UpsertBatch(ctx, []entity.Record{testPost("p1", 0), testPost("p2", time.Minute), testPost("p3", 2*time.Minute)})
	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, "p2", batchErr.ID)

	c := counts(t, s)
	for _, table := range []string{"posts", "users", "topics", "post_media", "post_topics", "post_makers"} {
		assert.Zero(t, c[table], table)
	}
}

func TestUpsertBatchRecordsMetrics(t *testing.T) {
	ctx := context.Background()
	reg := metrics.New()
	s, err := Open(ctx, "memory://", Options{Metrics: reg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.UpsertBatch(ctx, []entity.Record{testPost("p1", 0), testPost("p2", time.Minute)})
	require.NoError(t, err)
	require.NoError(t, s.SetCheckpoint(ctx, entity.TypePost, baseTime, ""))
	s.afterWrite = func(int) error { return errors.New("disk full") }
	_, err = s.UpsertBatch(ctx, []entity.Record{testPost("p3", 0)})
	require.Error(t, err)

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `database_operations_total{operation="upsert",status="success",table="posts"} 1`)
	assert.Contains(t, body, `database_operations_total{operation="upsert",status="error",table="posts"} 1`)
	assert.Contains(t, body, `database_operations_total{operation="checkpoint",status="success",table="checkpoints"} 1`)
	assert.Contains(t, body, `batch_size_count{operation="upsert"} 2`)
	assert.Contains(t, body, `errors_total{component="database",error_type="upsert"} 1`)
}

func TestBatchTableNamesMixedBatches(t *testing.T) {
	assert.Equal(t, "posts", batchTable([]entity.Record{testPost("p1", 0)}))
	assert.Equal(t, "mixed", batchTable([]entity.Record{testPost("p1", 0), &entity.Topic{ID: "t1"}}))
}

func TestUpsertBatchAppliesInTimestampOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.Upsert(ctx, testPost("p1", 0))
	require.NoError(t, err)

	author := testUser("u3", "commenter")
	parent := &entity.Comment{ID: "c1", PostID: "p1", UserID: "u3", Body: "first", CreatedAt: baseTime.Add(time.Hour), User: &author}
	reply := &entity.Comment{ID: "c2", PostID: "p1", UserID: "u3", ParentID: "c1", Body: "reply", CreatedAt: baseTime.Add(2 * time.Hour), User: &author}

	results, err := s.UpsertBatch(ctx, []entity.Record{reply, parent})
	require.NoError(t, err)
	assert.Equal(t, "c2", results[0].ID)
	assert.Equal(t, OutcomeInserted, results[0].Outcome)
	assert.Equal(t, OutcomeInserted, results[1].Outcome)
}

func TestCommentRejectsMissingOrNewerParent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.Upsert(ctx, testPost("p1", 0))
	require.NoError(t, err)
	author := testUser("u3", "commenter")

	orphan := &entity.Comment{ID: "c0", PostID: "missing", UserID: "u3", Body: "x", CreatedAt: baseTime, User: &author}
	res, err := s.Upsert(ctx, orphan)
	assert.ErrorIs(t, err, ErrMissingParent)
	assert.Equal(t, OutcomeSkipped, res.Outcome)

	parent := &entity.Comment{ID: "c1", PostID: "p1", UserID: "u3", Body: "late", CreatedAt: baseTime.Add(time.Hour), User: &author}
	_, err = s.Upsert(ctx, parent)
	require.NoError(t, err)

	early := &entity.Comment{ID: "c2", PostID: "p1", UserID: "u3", ParentID: "c1", Body: "early", CreatedAt: baseTime, User: &author}
	_, err = s.Upsert(ctx, early)
	assert.ErrorIs(t, err, ErrInvalidParent)

	unknownAuthor := &entity.Comment{ID: "c3", PostID: "p1", UserID: "ghost", Body: "boo", CreatedAt: baseTime.Add(2 * time.Hour)}
	_, err = s.Upsert(ctx, unknownAuthor)
	assert.ErrorIs(t, err, ErrMissingParent)

	c := counts(t, s)
	assert.EqualValues(t, 1, c["comments"])
	assert.EqualValues(t, 3, c["users"], "rejected comments write nothing")
}

func TestReplySharingParentTimestampIsStored(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.Upsert(ctx, testPost("p1", 0))
	require.NoError(t, err)
	author := testUser("u3", "commenter")

	parent := &entity.Comment{ID: "c9", PostID: "p1", UserID: "u3", Body: "first", CreatedAt: baseTime, User: &author}
	reply := &entity.Comment{ID: "c1", PostID: "p1", UserID: "u3", ParentID: "c9", Body: "same second", CreatedAt: baseTime, User: &author}
	nested := &entity.Comment{ID: "c0", PostID: "p1", UserID: "u3", ParentID: "c1", Body: "deeper", CreatedAt: baseTime, User: &author}

	results, err := s.UpsertBatch(ctx, []entity.Record{nested, reply, parent})
	require.NoError(t, err)
	for _, res := range results {
		assert.Equal(t, OutcomeInserted, res.Outcome, "%s: %v", res.ID, res.Err)
	}
	assert.EqualValues(t, 3, counts(t, s)["comments"])
}

func TestParentsFirstKeepsCyclesAtTheEnd(t *testing.T) {
	a := &entity.Comment{ID: "a", ParentID: "b", CreatedAt: baseTime}
	b := &entity.Comment{ID: "b", ParentID: "a", CreatedAt: baseTime}
	c := &entity.Comment{ID: "c", CreatedAt: baseTime}
	records := []entity.Record{a, b, c}
	assert.Equal(t, []int{2, 0, 1}, parentsFirst(records, []int{0, 1, 2}))

	posts := []entity.Record{testPost("p2", 0), testPost("p1", 0)}
	assert.Equal(t, []int{1, 0}, parentsFirst(posts, []int{1, 0}))
}

func TestVoteIsUniquePerSubjectAndVoter(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.Upsert(ctx, testPost("p1", 0))
	require.NoError(t, err)
	voter := testUser("u9", "voter")

	_, err = s.Upsert(ctx, &entity.Vote{ID: "v1", UserID: "u9", PostID: "p1", CreatedAt: baseTime, User: &voter})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, &entity.Vote{ID: "v2", UserID: "u9", PostID: "p1", CreatedAt: baseTime.Add(time.Minute), User: &voter})
	require.NoError(t, err)

	votes := scanAll(t, s, ScanRequest{Table: "votes"})
	require.Len(t, votes, 1)
	assert.Equal(t, "v2", votes[0]["id"])

	_, err = s.Upsert(ctx, &entity.Vote{ID: "v3", UserID: "u9", CommentID: "nope", CreatedAt: baseTime, User: &voter})
	assert.ErrorIs(t, err, ErrMissingParent)
}

func TestUsernameMovesToNewAccount(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	old := testUser("u1", "handle")
	_, err := s.Upsert(ctx, &old)
	require.NoError(t, err)

	renamed := testUser("u2", "handle")
	_, err = s.Upsert(ctx, &renamed)
	require.NoError(t, err)

	users := scanAll(t, s, ScanRequest{Table: "users"})
	require.Len(t, users, 2)
	assert.Equal(t, "~u1", users[0]["username"])
	assert.Equal(t, "handle", users[1]["username"])
}

func TestNestedUserKeepsStoredProfile(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	full := entity.User{ID: "u1", Username: "owner", Name: "Owner", Headline: "Builds things", IsMaker: true, CreatedAt: baseTime}
	_, err := s.Upsert(ctx, &full)
	require.NoError(t, err)

	post := testPost("p1", 0)
	post.User = &entity.User{ID: "u1", Username: "owner"}
	post.Makers = nil
	_, err = s.Upsert(ctx, post)
	require.NoError(t, err)

	users := scanAll(t, s, ScanRequest{Table: "users"})
	require.Len(t, users, 1)
	assert.Equal(t, "Builds things", users[0]["headline"])
	assert.Equal(t, "Owner", users[0]["name"])
	assert.Equal(t, true, users[0]["is_maker"])
}

func TestUserFollowingLinks(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	u := testUser("u1", "alice")
	u.Following = []entity.User{testUser("u2", "bob"), testUser("u3", "carol")}
	_, err := s.Upsert(ctx, &u)
	require.NoError(t, err)

	u.Following = u.Following[:1]
	_, err = s.Upsert(ctx, &u)
	require.NoError(t, err)

	links := scanAll(t, s, ScanRequest{Table: "user_following"})
	require.Len(t, links, 1)
	assert.Equal(t, "u2", links[0]["following_id"])
}

func TestCollectionLinksOnlyStoredPosts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.Upsert(ctx, testPost("p1", 0))
	require.NoError(t, err)
	curator := testUser("u5", "curator")

	col := &entity.Collection{
		ID: "col1", UserID: "u5", Name: "Favorites", CreatedAt: baseTime,
		User:    &curator,
		PostIDs: []string{"p1", "p404"},
		Topics:  []entity.Topic{{ID: "t9", Name: "Design", Slug: "design"}},
	}
	_, err = s.Upsert(ctx, col)
	require.NoError(t, err)

	c := counts(t, s)
	assert.EqualValues(t, 1, c["collections"])
	assert.EqualValues(t, 1, c["collection_posts"])
	assert.EqualValues(t, 1, c["collection_topics"])
}

func TestCheckpointIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	cp, err := s.GetCheckpoint(ctx, entity.TypePost)
	require.NoError(t, err)
	assert.Nil(t, cp)

	later := baseTime.Add(time.Hour)
	require.NoError(t, s.SetCheckpoint(ctx, entity.TypePost, later, "c2"))
	require.NoError(t, s.SetCheckpoint(ctx, entity.TypePost, baseTime, "c3"))

	cp, err = s.GetCheckpoint(ctx, entity.TypePost)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.LastTimestamp.Equal(later), "timestamp must not move backwards, got %s", cp.LastTimestamp)
	assert.Equal(t, "c3", cp.LastCursor)
	assert.False(t, cp.LastRunAt.IsZero())

	all, err := s.Checkpoints(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, s.ResetCheckpoint(ctx, entity.TypePost))
	cp, err = s.GetCheckpoint(ctx, entity.TypePost)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCheckpointKeepsWindowWithCursor(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	window := baseTime.Add(-5 * time.Minute)

	require.NoError(t, s.SaveCheckpoint(ctx, entity.Checkpoint{
		Type: entity.TypeComment, LastTimestamp: baseTime, LastCursor: "c1", WindowStart: window,
	}))
	cp, err := s.GetCheckpoint(ctx, entity.TypeComment)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.WindowStart.Equal(window), "got %s", cp.WindowStart)

	all, err := s.Checkpoints(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, entity.TypeComment, all[0].Type)
	assert.True(t, all[0].WindowStart.Equal(window))

	require.NoError(t, s.SaveCheckpoint(ctx, entity.Checkpoint{
		Type: entity.TypeComment, LastTimestamp: baseTime, WindowStart: window,
	}))
	cp, err = s.GetCheckpoint(ctx, entity.TypeComment)
	require.NoError(t, err)
	assert.Equal(t, "", cp.LastCursor)
	assert.True(t, cp.WindowStart.IsZero(), "a finished traversal has no window")
}

func TestScanOrdersRows(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.UpsertBatch(ctx, []entity.Record{testPost("b", 0), testPost("a", time.Hour), testPost("c", 2*time.Hour)})
	require.NoError(t, err)

	byCreated := scanAll(t, s, ScanRequest{Table: "posts", OrderBy: []string{"created_at"}, Descending: true})
	require.Len(t, byCreated, 3)
	assert.Equal(t, []any{"c", "a", "b"}, []any{byCreated[0]["id"], byCreated[1]["id"], byCreated[2]["id"]})

	byID := scanAll(t, s, ScanRequest{Table: "posts"})
	assert.Equal(t, "a", byID[0]["id"])

	err = s.Scan(ctx, ScanRequest{Table: "secrets"}, func(Row) error { return nil })
	assert.ErrorIs(t, err, ErrUnknownTable)
	err = s.Scan(ctx, ScanRequest{Table: "posts", OrderBy: []string{"id; DROP TABLE posts"}}, func(Row) error { return nil })
	assert.Error(t, err)
}

func TestOpenSQLiteFilePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "producthunt.db")

	s, err := Open(ctx, path, Options{})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", s.Dialect())
	_, err = s.Upsert(ctx, testPost("p1", 0))
	require.NoError(t, err)
	require.NoError(t, s.SetCheckpoint(ctx, entity.TypePost, baseTime, ""))
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, "sqlite://"+path, Options{})
	require.NoError(t, err)
	defer reopened.Close()
	assert.EqualValues(t, 1, counts(t, reopened)["posts"])
	cp, err := reopened.GetCheckpoint(ctx, entity.TypePost)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.True(t, cp.LastTimestamp.Equal(baseTime))
}

func TestOpenRejectsUnsupportedScheme(t *testing.T) {
	_, err := Open(context.Background(), "mysql://root@localhost/ph", Options{})
	assert.ErrorIs(t, err, ErrUnsupportedDSN)
	_, err = Open(context.Background(), "  ", Options{})
	assert.ErrorIs(t, err, ErrUnsupportedDSN)
}

func TestRegisterFactoryTakesPrecedence(t *testing.T) {
	called := false
	RegisterFactory("fake-ph", func(ctx context.Context, dsn string, opts Options) (*Store, error) {
		called = true
		assert.Equal(t, "fake-ph://x", dsn)
		return Open(ctx, "memory://", opts)
	})
	s, err := Open(context.Background(), "fake-ph://x", Options{})
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, called)
}

func TestRebindNumbersPlaceholders(t *testing.T) {
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", postgresDialect.rebind("SELECT 1 WHERE a = ? AND b = ?"))
	assert.Equal(t, "SELECT 1 WHERE a = ?", sqliteDialect.rebind("SELECT 1 WHERE a = ?"))
}
