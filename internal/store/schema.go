package store

// Timestamps are stored as fixed-width UTC text so that lexical order equals
// chronological order on every dialect.
const timeLayout = "2006-01-02T15:04:05.000000Z"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		headline TEXT NOT NULL DEFAULT '',
		twitter_username TEXT NOT NULL DEFAULT '',
		website_url TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		profile_image TEXT NOT NULL DEFAULT '',
		cover_image TEXT NOT NULL DEFAULT '',
		is_maker BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS topics (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		slug TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		image TEXT NOT NULL DEFAULT '',
		followers_count INTEGER NOT NULL DEFAULT 0,
		posts_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		user_id TEXT REFERENCES users(id),
		name TEXT NOT NULL,
		tagline TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		slug TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		website TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		featured_at TEXT,
		comments_count INTEGER NOT NULL DEFAULT 0,
		votes_count INTEGER NOT NULL DEFAULT 0,
		reviews_count INTEGER NOT NULL DEFAULT 0,
		reviews_rating DOUBLE PRECISION NOT NULL DEFAULT 0,
		thumbnail_type TEXT NOT NULL DEFAULT '',
		thumbnail_url TEXT NOT NULL DEFAULT '',
		thumbnail_video_url TEXT NOT NULL DEFAULT '',
		product_links TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS post_media (
		post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		type TEXT NOT NULL,
		url TEXT NOT NULL,
		video_url TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (post_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS post_topics (
		post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		topic_id TEXT NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
		PRIMARY KEY (post_id, topic_id)
	)`,
	`CREATE TABLE IF NOT EXISTS post_makers (
		post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		PRIMARY KEY (post_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS collections (
		id TEXT PRIMARY KEY,
		user_id TEXT REFERENCES users(id),
		name TEXT NOT NULL,
		tagline TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		cover_image TEXT NOT NULL DEFAULT '',
		followers_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		featured_at TEXT,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS collection_posts (
		collection_id TEXT NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
		post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		PRIMARY KEY (collection_id, post_id)
	)`,
	`CREATE TABLE IF NOT EXISTS collection_topics (
		collection_id TEXT NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
		topic_id TEXT NOT NULL REFERENCES topics(id) ON DELETE CASCADE,
		PRIMARY KEY (collection_id, topic_id)
	)`,
	`CREATE TABLE IF NOT EXISTS comments (
		id TEXT PRIMARY KEY,
		post_id TEXT NOT NULL REFERENCES posts(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		parent_id TEXT REFERENCES comments(id),
		body TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		votes_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS votes (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		post_id TEXT REFERENCES posts(id),
		comment_id TEXT REFERENCES comments(id),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (user_id, post_id),
		UNIQUE (user_id, comment_id),
		CHECK ((post_id IS NULL) <> (comment_id IS NULL))
	)`,
	`CREATE TABLE IF NOT EXISTS user_following (
		follower_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		following_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		PRIMARY KEY (follower_id, following_id)
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		entity_type TEXT PRIMARY KEY,
		last_timestamp TEXT,
		last_cursor TEXT NOT NULL DEFAULT '',
		window_start TEXT,
		last_run_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_users_created_at ON users(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_topics_slug ON topics(slug)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_featured_at ON posts(featured_at)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_votes_count ON posts(votes_count)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_user_id ON posts(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_post_topics_topic_id ON post_topics(topic_id)`,
	`CREATE INDEX IF NOT EXISTS idx_post_makers_user_id ON post_makers(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_collections_user_id ON collections(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_collection_posts_post_id ON collection_posts(post_id)`,
	`CREATE INDEX IF NOT EXISTS idx_comments_post_id ON comments(post_id)`,
	`CREATE INDEX IF NOT EXISTS idx_comments_parent_id ON comments(parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_votes_post_id ON votes(post_id)`,
	`CREATE INDEX IF NOT EXISTS idx_votes_comment_id ON votes(comment_id)`,
	`CREATE INDEX IF NOT EXISTS idx_user_following_following_id ON user_following(following_id)`,
}

// tableKeys lists every readable table with the columns of its primary key,
// which is also its default scan order.
var tableKeys = map[string][]string{
	"users":             {"id"},
	"topics":            {"id"},
	"posts":             {"id"},
	"post_media":        {"post_id", "position"},
	"post_topics":       {"post_id", "topic_id"},
	"post_makers":       {"post_id", "user_id"},
	"collections":       {"id"},
	"collection_posts":  {"collection_id", "post_id"},
	"collection_topics": {"collection_id", "topic_id"},
	"comments":          {"id"},
	"votes":             {"id"},
	"user_following":    {"follower_id", "following_id"},
	"checkpoints":       {"entity_type"},
}

// Tables returns the readable table names in creation order.
func Tables() []string {
	return []string{
		"users", "topics", "posts", "post_media", "post_topics", "post_makers",
		"collections", "collection_posts", "collection_topics",
		"comments", "votes", "user_following", "checkpoints",
	}
}
