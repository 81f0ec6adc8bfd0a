package phclient

import "github.com/agentworkforce/producthuntdb/internal/entity"

type Order string

const (
	OrderNewest         Order = "NEWEST"
	OrderRanking        Order = "RANKING"
	OrderVotes          Order = "VOTES"
	OrderFeaturedAt     Order = "FEATURED_AT"
	OrderFollowersCount Order = "FOLLOWERS_COUNT"
)

type querySpec struct {
	connection   string
	text         string
	defaultOrder Order
	// filterVar names the variable carrying the created-after filter; empty
	// when the connection has no server-side time filter.
	filterVar string
}

const userFields = `
      id
      username
      name
      headline
      twitterUsername
      websiteUrl
      url
      profileImage
      coverImage
      isMaker
      createdAt`

const queryPostsPage = `
query PostsPage($first: Int!, $after: String, $order: PostsOrder, $postedAfter: DateTime) {
  posts(first: $first, after: $after, order: $order, postedAfter: $postedAfter) {
    nodes {
      id
      userId
      name
      tagline
      description
      slug
      url
      website
      createdAt
      featuredAt
      commentsCount
      votesCount
      reviewsCount
      reviewsRating
      user {` + userFields + `
      }
      makers {` + userFields + `
      }
      topics(first: 10) {
        nodes { id name slug description url followersCount postsCount createdAt }
      }
      productLinks { type url }
      thumbnail { type url videoUrl }
      media { type url videoUrl }
    }
    pageInfo { hasNextPage endCursor }
  }
}`

const queryTopicsPage = `
query TopicsPage($first: Int!, $after: String, $order: TopicsOrder) {
  topics(first: $first, after: $after, order: $order) {
    nodes {
      id
      name
      slug
      description
      url
      createdAt
      followersCount
      postsCount
      image(height: 128, width: 128)
    }
    pageInfo { hasNextPage endCursor }
  }
}`

const queryCollectionsPage = `
query CollectionsPage($first: Int!, $after: String, $order: CollectionsOrder) {
  collections(first: $first, after: $after, order: $order) {
    nodes {
      id
      userId
      name
      tagline
      description
      url
      coverImage
      createdAt
      featuredAt
      followersCount
      user {` + userFields + `
      }
      posts(first: 20) {
        nodes { id }
      }
      topics(first: 10) {
        nodes { id name slug followersCount postsCount }
      }
    }
    pageInfo { hasNextPage endCursor }
  }
}`

const queryUsersPage = `
query UsersPage($first: Int!, $after: String, $order: UsersOrder) {
  users(first: $first, after: $after, order: $order) {
    nodes {` + userFields + `
      following(first: 20) {
        nodes { id username name }
      }
    }
    pageInfo { hasNextPage endCursor }
  }
}`

const queryCommentsPage = `
query CommentsPage($first: Int!, $after: String, $order: CommentsOrder, $createdAfter: DateTime) {
  comments(first: $first, after: $after, order: $order, createdAfter: $createdAfter) {
    nodes {
      id
      body
      url
      createdAt
      votesCount
      userId
      user {` + userFields + `
      }
      post { id }
      parent { id }
    }
    pageInfo { hasNextPage endCursor }
  }
}`

const queryVotesPage = `
query VotesPage($first: Int!, $after: String, $order: VotesOrder, $createdAfter: DateTime) {
  votes(first: $first, after: $after, order: $order, createdAfter: $createdAfter) {
    nodes {
      id
      createdAt
      userId
      user {` + userFields + `
      }
      post { id }
      comment { id }
    }
    pageInfo { hasNextPage endCursor }
  }
}`

const queryViewer = `
query Viewer {
  viewer {
    user { id username name }
  }
}`

var pageQueries = map[entity.Type]querySpec{
	entity.TypePost:       {connection: "posts", text: queryPostsPage, defaultOrder: OrderNewest, filterVar: "postedAfter"},
	entity.TypeTopic:      {connection: "topics", text: queryTopicsPage, defaultOrder: OrderNewest},
	entity.TypeCollection: {connection: "collections", text: queryCollectionsPage, defaultOrder: OrderNewest},
	entity.TypeUser:       {connection: "users", text: queryUsersPage, defaultOrder: OrderNewest},
	entity.TypeComment:    {connection: "comments", text: queryCommentsPage, defaultOrder: OrderNewest, filterVar: "createdAfter"},
	entity.TypeVote:       {connection: "votes", text: queryVotesPage, defaultOrder: OrderNewest, filterVar: "createdAfter"},
}

// SupportsCreatedAfter reports whether the upstream can filter the entity
// type by creation time.
func SupportsCreatedAfter(t entity.Type) bool {
	entry, ok := pageQueries[t]
	return ok && entry.filterVar != ""
}
