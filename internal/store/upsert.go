package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/producthuntdb/internal/entity"
)

type Outcome string

const (
	OutcomeInserted Outcome = "inserted"
	OutcomeUpdated  Outcome = "updated"
	OutcomeSkipped  Outcome = "skipped"
)

// Result describes what happened to one record of a batch.
type Result struct {
	Type    entity.Type
	ID      string
	Outcome Outcome
	// Err explains a skipped record.
	Err error
}

// RejectedError is the reason a single record was skipped. Rejections are
// decided before the record writes anything.
type RejectedError struct {
	Type entity.Type
	ID   string
	Err  error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s %s rejected: %v", e.Type, e.ID, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// BatchError reports the storage failure that rolled back a whole batch.
type BatchError struct {
	Index int
	ID    string
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("upsert batch rolled back at record %d (%s): %v", e.Index, e.ID, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

var entityTables = map[entity.Type]string{
	entity.TypeUser:       "users",
	entity.TypeTopic:      "topics",
	entity.TypePost:       "posts",
	entity.TypeCollection: "collections",
	entity.TypeComment:    "comments",
	entity.TypeVote:       "votes",
}

// Upsert stores a single record. A rejected record is reported both in the
// result and as the returned error.
func (s *Store) Upsert(ctx context.Context, rec entity.Record) (Result, error) {
	results, err := s.UpsertBatch(ctx, []entity.Record{rec})
	if err != nil {
		return Result{}, err
	}
	res := results[0]
	if res.Outcome == OutcomeSkipped {
		return res, res.Err
	}
	return res, nil
}

// UpsertBatch stores records in one transaction, applying them in
// (timestamp, id) order. Results are returned in input order. Rejected
// records are skipped; any storage error rolls back the entire batch.
func (s *Store) UpsertBatch(ctx context.Context, records []entity.Record) ([]Result, error) {
	if len(records) == 0 {
		return nil, nil
	}
	for i, rec := range records {
		if rec == nil {
			return nil, fmt.Errorf("record %d is nil", i)
		}
		if _, ok := entityTables[rec.EntityType()]; !ok {
			return nil, fmt.Errorf("record %d has unsupported entity type %q", i, rec.EntityType())
		}
	}
	order := make([]int, len(records))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := records[order[a]], records[order[b]]
		ta, tb := ra.Timestamp(), rb.Timestamp()
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return ra.Key() < rb.Key()
	})
	order = parentsFirst(records, order)

	started := time.Now()
	results := make([]Result, len(records))
	err := s.inTx(ctx, func(q *txQuerier) error {
		existing, err := s.lookupExisting(ctx, q, records)
		if err != nil {
			return err
		}
		for n, i := range order {
			rec := records[i]
			res := Result{Type: rec.EntityType(), ID: rec.Key()}
			if err := s.write(ctx, q, rec); err != nil {
				var rejected *RejectedError
				if !errors.As(err, &rejected) {
					return &BatchError{Index: i, ID: rec.Key(), Err: err}
				}
				res.Outcome = OutcomeSkipped
				res.Err = rejected
			} else {
				k := existingKey{t: rec.EntityType(), id: rec.Key()}
				if existing[k] {
					res.Outcome = OutcomeUpdated
				} else {
					res.Outcome = OutcomeInserted
					existing[k] = true
				}
			}
			if s.afterWrite != nil {
				if err := s.afterWrite(n); err != nil {
					return &BatchError{Index: i, ID: rec.Key(), Err: err}
				}
			}
			results[i] = res
		}
		return nil
	})
	s.metrics.ObserveDB("upsert", batchTable(records), len(records), err, time.Since(started))
	if err != nil {
		return nil, err
	}
	return results, nil
}

// batchTable names the table a batch writes to, or "mixed".
func batchTable(records []entity.Record) string {
	t := records[0].EntityType()
	for _, rec := range records[1:] {
		if rec.EntityType() != t {
			return "mixed"
		}
	}
	return entityTables[t]
}

// parentsFirst delays a comment until its parent from the same batch has
// been applied. Replies may share their parent's timestamp, so the
// (timestamp, id) order alone can put a reply first. Comments left waiting
// on a parent that never gets placed keep their sorted order at the end.
func parentsFirst(records []entity.Record, order []int) []int {
	inBatch := map[string]bool{}
	for _, i := range order {
		if c, ok := records[i].(*entity.Comment); ok {
			inBatch[c.ID] = true
		}
	}
	if len(inBatch) == 0 {
		return order
	}
	out := make([]int, 0, len(order))
	placed := make([]bool, len(records))
	applied := map[string]bool{}
	waiting := map[string][]int{}
	var place func(i int)
	place = func(i int) {
		out = append(out, i)
		placed[i] = true
		c, ok := records[i].(*entity.Comment)
		if !ok || applied[c.ID] {
			return
		}
		applied[c.ID] = true
		children := waiting[c.ID]
		delete(waiting, c.ID)
		for _, child := range children {
			place(child)
		}
	}
	for _, i := range order {
		if c, ok := records[i].(*entity.Comment); ok && c.ParentID != "" && inBatch[c.ParentID] && !applied[c.ParentID] {
			waiting[c.ParentID] = append(waiting[c.ParentID], i)
			continue
		}
		place(i)
	}
	for _, i := range order {
		if !placed[i] {
			out = append(out, i)
		}
	}
	return out
}

type existingKey struct {
	t  entity.Type
	id string
}

// lookupExisting finds which record ids are already stored, one IN query
// per entity type and chunk of batchSize ids.
func (s *Store) lookupExisting(ctx context.Context, q *txQuerier, records []entity.Record) (map[existingKey]bool, error) {
	byType := map[entity.Type][]string{}
	seen := map[existingKey]bool{}
	for _, rec := range records {
		k := existingKey{t: rec.EntityType(), id: rec.Key()}
		if seen[k] {
			continue
		}
		seen[k] = true
		byType[k.t] = append(byType[k.t], k.id)
	}
	existing := map[existingKey]bool{}
	for t, ids := range byType {
		table := entityTables[t]
		for start := 0; start < len(ids); start += s.batchSize {
			end := start + s.batchSize
			if end > len(ids) {
				end = len(ids)
			}
			chunk := ids[start:end]
			args := make([]any, len(chunk))
			for i, id := range chunk {
				args[i] = id
			}
			rows, err := q.query(ctx, "SELECT id FROM "+table+" WHERE id IN ("+placeholders(len(chunk))+")", args...)
			if err != nil {
				return nil, err
			}
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					_ = rows.Close()
					return nil, err
				}
				existing[existingKey{t: t, id: id}] = true
			}
			if err := rows.Close(); err != nil {
				return nil, err
			}
			if err := rows.Err(); err != nil {
				return nil, err
			}
		}
	}
	return existing, nil
}

func (s *Store) write(ctx context.Context, q *txQuerier, rec entity.Record) error {
	switch r := rec.(type) {
	case *entity.User:
		return s.writeUser(ctx, q, r, true)
	case *entity.Topic:
		return s.writeTopic(ctx, q, r, true)
	case *entity.Post:
		return s.writePost(ctx, q, r)
	case *entity.Collection:
		return s.writeCollection(ctx, q, r)
	case *entity.Comment:
		return s.writeComment(ctx, q, r)
	case *entity.Vote:
		return s.writeVote(ctx, q, r)
	default:
		return fmt.Errorf("unsupported record %T", rec)
	}
}

// upsertSQL builds an insert that overwrites every non-key column on
// conflict.
func upsertSQL(table string, columns []string) string {
	assignments := make([]string, 0, len(columns)-1)
	for _, col := range columns[1:] {
		assignments = append(assignments, col+" = excluded."+col)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(columns, ", "), placeholders(len(columns)), columns[0], strings.Join(assignments, ", "))
}

var userColumns = []string{
	"id", "username", "name", "headline", "twitter_username", "website_url", "url",
	"profile_image", "cover_image", "is_maker", "created_at", "updated_at",
}

var upsertUserSQL = upsertSQL("users", userColumns)

// Nested user references carry only a subset of profile fields, so they
// never blank out values stored by a full user record.
const upsertUserRefSQL = `INSERT INTO users (id, username, name, headline, twitter_username, website_url, url,
	profile_image, cover_image, is_maker, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		username = excluded.username,
		name = COALESCE(NULLIF(excluded.name, ''), users.name),
		headline = COALESCE(NULLIF(excluded.headline, ''), users.headline),
		twitter_username = COALESCE(NULLIF(excluded.twitter_username, ''), users.twitter_username),
		website_url = COALESCE(NULLIF(excluded.website_url, ''), users.website_url),
		url = COALESCE(NULLIF(excluded.url, ''), users.url),
		profile_image = COALESCE(NULLIF(excluded.profile_image, ''), users.profile_image),
		cover_image = COALESCE(NULLIF(excluded.cover_image, ''), users.cover_image),
		is_maker = (users.is_maker OR excluded.is_maker),
		created_at = COALESCE(excluded.created_at, users.created_at),
		updated_at = excluded.updated_at`

func (s *Store) writeUser(ctx context.Context, q *txQuerier, u *entity.User, full bool) error {
	// Usernames move between accounts upstream; release the name from any
	// stale row before claiming it.
	if err := q.exec(ctx, "UPDATE users SET username = '~' || id WHERE username = ? AND id <> ?", u.Username, u.ID); err != nil {
		return err
	}
	query := upsertUserRefSQL
	if full {
		query = upsertUserSQL
	}
	if err := q.exec(ctx, query,
		u.ID, u.Username, u.Name, u.Headline, u.TwitterUsername, u.WebsiteURL, u.URL,
		u.ProfileImage, u.CoverImage, u.IsMaker, formatTime(u.CreatedAt), formatTime(s.now()),
	); err != nil {
		return err
	}
	if !full {
		return nil
	}
	if err := q.exec(ctx, "DELETE FROM user_following WHERE follower_id = ?", u.ID); err != nil {
		return err
	}
	for i := range u.Following {
		followed := &u.Following[i]
		if followed.ID == u.ID {
			continue
		}
		if err := s.writeUser(ctx, q, followed, false); err != nil {
			return err
		}
		if err := q.exec(ctx, "INSERT INTO user_following (follower_id, following_id) VALUES (?, ?) ON CONFLICT DO NOTHING", u.ID, followed.ID); err != nil {
			return err
		}
	}
	return nil
}

var topicColumns = []string{
	"id", "name", "slug", "description", "url", "image",
	"followers_count", "posts_count", "created_at", "updated_at",
}

var upsertTopicSQL = upsertSQL("topics", topicColumns)

const upsertTopicRefSQL = `INSERT INTO topics (id, name, slug, description, url, image,
	followers_count, posts_count, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		name = excluded.name,
		slug = excluded.slug,
		description = COALESCE(NULLIF(excluded.description, ''), topics.description),
		url = COALESCE(NULLIF(excluded.url, ''), topics.url),
		image = COALESCE(NULLIF(excluded.image, ''), topics.image),
		followers_count = CASE WHEN excluded.followers_count > 0 THEN excluded.followers_count ELSE topics.followers_count END,
		posts_count = CASE WHEN excluded.posts_count > 0 THEN excluded.posts_count ELSE topics.posts_count END,
		created_at = COALESCE(excluded.created_at, topics.created_at),
		updated_at = excluded.updated_at`

func (s *Store) writeTopic(ctx context.Context, q *txQuerier, t *entity.Topic, full bool) error {
	query := upsertTopicRefSQL
	if full {
		query = upsertTopicSQL
	}
	return q.exec(ctx, query,
		t.ID, t.Name, t.Slug, t.Description, t.URL, t.Image,
		t.FollowersCount, t.PostsCount, formatTime(t.CreatedAt), formatTime(s.now()),
	)
}

var upsertPostSQL = upsertSQL("posts", []string{
	"id", "user_id", "name", "tagline", "description", "slug", "url", "website",
	"created_at", "featured_at", "comments_count", "votes_count", "reviews_count", "reviews_rating",
	"thumbnail_type", "thumbnail_url", "thumbnail_video_url", "product_links", "updated_at",
})

func (s *Store) writePost(ctx context.Context, q *txQuerier, p *entity.Post) error {
	if p.User != nil {
		if err := s.writeUser(ctx, q, p.User, false); err != nil {
			return err
		}
	}
	ownerID, err := s.knownUser(ctx, q, p.UserID, p.User)
	if err != nil {
		return err
	}
	for i := range p.Makers {
		if err := s.writeUser(ctx, q, &p.Makers[i], false); err != nil {
			return err
		}
	}
	for i := range p.Topics {
		if err := s.writeTopic(ctx, q, &p.Topics[i], false); err != nil {
			return err
		}
	}

	var thumb entity.Media
	if p.Thumbnail != nil {
		thumb = *p.Thumbnail
	}
	if err := q.exec(ctx, upsertPostSQL,
		p.ID, ownerID, p.Name, p.Tagline, p.Description, p.Slug, p.URL, p.Website,
		formatTime(p.CreatedAt), formatTimePtr(p.FeaturedAt), p.CommentsCount, p.VotesCount, p.ReviewsCount, p.ReviewsRating,
		thumb.Type, thumb.URL, thumb.VideoURL, p.ProductLinks, formatTime(s.now()),
	); err != nil {
		return err
	}

	if err := q.exec(ctx, "DELETE FROM post_media WHERE post_id = ?", p.ID); err != nil {
		return err
	}
	for _, m := range p.Media {
		if err := q.exec(ctx, "INSERT INTO post_media (post_id, position, type, url, video_url) VALUES (?, ?, ?, ?, ?)",
			p.ID, m.Position, m.Type, m.URL, m.VideoURL); err != nil {
			return err
		}
	}
	if err := q.exec(ctx, "DELETE FROM post_topics WHERE post_id = ?", p.ID); err != nil {
		return err
	}
	for _, t := range p.Topics {
		if err := q.exec(ctx, "INSERT INTO post_topics (post_id, topic_id) VALUES (?, ?) ON CONFLICT DO NOTHING", p.ID, t.ID); err != nil {
			return err
		}
	}
	if err := q.exec(ctx, "DELETE FROM post_makers WHERE post_id = ?", p.ID); err != nil {
		return err
	}
	for _, m := range p.Makers {
		if err := q.exec(ctx, "INSERT INTO post_makers (post_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING", p.ID, m.ID); err != nil {
			return err
		}
	}
	return nil
}

// knownUser returns id when that user row exists (or was just written from
// embedded), otherwise nil so an optional owner reference stays empty.
func (s *Store) knownUser(ctx context.Context, q *txQuerier, id string, embedded *entity.User) (any, error) {
	if id == "" {
		return nil, nil
	}
	if embedded != nil && embedded.ID == id {
		return id, nil
	}
	ok, err := q.exists(ctx, "users", id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return id, nil
}

var upsertCollectionSQL = upsertSQL("collections", []string{
	"id", "user_id", "name", "tagline", "description", "url", "cover_image",
	"followers_count", "created_at", "featured_at", "updated_at",
})

func (s *Store) writeCollection(ctx context.Context, q *txQuerier, c *entity.Collection) error {
	if c.User != nil {
		if err := s.writeUser(ctx, q, c.User, false); err != nil {
			return err
		}
	}
	curatorID, err := s.knownUser(ctx, q, c.UserID, c.User)
	if err != nil {
		return err
	}
	for i := range c.Topics {
		if err := s.writeTopic(ctx, q, &c.Topics[i], false); err != nil {
			return err
		}
	}
	if err := q.exec(ctx, upsertCollectionSQL,
		c.ID, curatorID, c.Name, c.Tagline, c.Description, c.URL, c.CoverImage,
		c.FollowersCount, formatTime(c.CreatedAt), formatTimePtr(c.FeaturedAt), formatTime(s.now()),
	); err != nil {
		return err
	}

	if err := q.exec(ctx, "DELETE FROM collection_posts WHERE collection_id = ?", c.ID); err != nil {
		return err
	}
	// Only posts already stored are linked; the rest arrive with a later
	// post harvest and the next collection pass.
	for _, postID := range c.PostIDs {
		if err := q.exec(ctx, "INSERT INTO collection_posts (collection_id, post_id) SELECT CAST(? AS TEXT), id FROM posts WHERE id = ? ON CONFLICT DO NOTHING", c.ID, postID); err != nil {
			return err
		}
	}
	if err := q.exec(ctx, "DELETE FROM collection_topics WHERE collection_id = ?", c.ID); err != nil {
		return err
	}
	for _, t := range c.Topics {
		if err := q.exec(ctx, "INSERT INTO collection_topics (collection_id, topic_id) VALUES (?, ?) ON CONFLICT DO NOTHING", c.ID, t.ID); err != nil {
			return err
		}
	}
	return nil
}

var upsertCommentSQL = upsertSQL("comments", []string{
	"id", "post_id", "user_id", "parent_id", "body", "url", "votes_count", "created_at", "updated_at",
})

func (s *Store) writeComment(ctx context.Context, q *txQuerier, c *entity.Comment) error {
	reject := func(err error) error {
		return &RejectedError{Type: entity.TypeComment, ID: c.ID, Err: err}
	}
	ok, err := q.exists(ctx, "posts", c.PostID)
	if err != nil {
		return err
	}
	if !ok {
		return reject(fmt.Errorf("%w: post %s", ErrMissingParent, c.PostID))
	}
	if c.ParentID != "" {
		var parentCreated, grandparent sql.NullString
		err := q.queryRow(ctx, "SELECT created_at, parent_id FROM comments WHERE id = ?", c.ParentID).Scan(&parentCreated, &grandparent)
		if errors.Is(err, sql.ErrNoRows) {
			return reject(fmt.Errorf("%w: comment %s", ErrMissingParent, c.ParentID))
		}
		if err != nil {
			return err
		}
		parentTS, err := parseStoredTime(parentCreated)
		if err != nil {
			return err
		}
		if parentTS.After(c.CreatedAt) || (grandparent.Valid && grandparent.String == c.ID) {
			return reject(fmt.Errorf("%w: comment %s", ErrInvalidParent, c.ParentID))
		}
	}
	if c.User == nil || c.User.ID != c.UserID {
		ok, err := q.exists(ctx, "users", c.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return reject(fmt.Errorf("%w: user %s", ErrMissingParent, c.UserID))
		}
	}

	if c.User != nil {
		if err := s.writeUser(ctx, q, c.User, false); err != nil {
			return err
		}
	}
	return q.exec(ctx, upsertCommentSQL,
		c.ID, c.PostID, c.UserID, nullIfEmpty(c.ParentID), c.Body, c.URL, c.VotesCount,
		formatTime(c.CreatedAt), formatTime(s.now()),
	)
}

var upsertVoteSQL = upsertSQL("votes", []string{
	"id", "user_id", "post_id", "comment_id", "created_at", "updated_at",
})

func (s *Store) writeVote(ctx context.Context, q *txQuerier, v *entity.Vote) error {
	reject := func(err error) error {
		return &RejectedError{Type: entity.TypeVote, ID: v.ID, Err: err}
	}
	subjectTable, subjectColumn, subjectID := "posts", "post_id", v.PostID
	if v.CommentID != "" {
		subjectTable, subjectColumn, subjectID = "comments", "comment_id", v.CommentID
	}
	ok, err := q.exists(ctx, subjectTable, subjectID)
	if err != nil {
		return err
	}
	if !ok {
		return reject(fmt.Errorf("%w: %s %s", ErrMissingParent, strings.TrimSuffix(subjectTable, "s"), subjectID))
	}
	if v.User == nil || v.User.ID != v.UserID {
		ok, err := q.exists(ctx, "users", v.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return reject(fmt.Errorf("%w: user %s", ErrMissingParent, v.UserID))
		}
	}

	if v.User != nil {
		if err := s.writeUser(ctx, q, v.User, false); err != nil {
			return err
		}
	}
	// One vote per (subject, voter): a re-issued vote under a new id
	// replaces the old row.
	if err := q.exec(ctx, "DELETE FROM votes WHERE user_id = ? AND "+subjectColumn+" = ? AND id <> ?", v.UserID, subjectID, v.ID); err != nil {
		return err
	}
	return q.exec(ctx, upsertVoteSQL,
		v.ID, v.UserID, nullIfEmpty(v.PostID), nullIfEmpty(v.CommentID),
		formatTime(v.CreatedAt), formatTime(s.now()),
	)
}
