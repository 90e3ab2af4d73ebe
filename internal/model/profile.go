// Package model defines the canonical entities shared across the discovery
// pipeline: profiles, posts, jobs, and the request shapes accepted by the API.
package model

import "strings"

// Platform identifies the source network of a profile.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
)

// Flag is a tri-state boolean carried as a string: "true", "false", or ""
// (unknown). Raw vendor data uses a mix of booleans, 0/1, and yes/no strings;
// the normalizer collapses them into this form.
type Flag string

const (
	FlagTrue    Flag = "true"
	FlagFalse   Flag = "false"
	FlagUnknown Flag = ""
)

// PostRecord is one normalized post attached to a profile.
type PostRecord struct {
	Platform     string         `json:"platform,omitempty"`
	ID           string         `json:"id,omitempty"`
	Caption      string         `json:"caption,omitempty"`
	Hashtags     []string       `json:"hashtags"`
	LikeCount    *int64         `json:"like_count,omitempty"`
	CommentCount *int64         `json:"comment_count,omitempty"`
	ShareCount   *int64         `json:"share_count,omitempty"`
	ViewCount    *int64         `json:"view_count,omitempty"`
	FavoriteCnt  *int64         `json:"favorite_count,omitempty"`
	URL          string         `json:"url,omitempty"`
	MediaType    string         `json:"media_type,omitempty"`
	Timestamp    string         `json:"timestamp,omitempty"`
	Duration     string         `json:"duration,omitempty"`
	ThumbnailURL string         `json:"thumbnail_url,omitempty"`
	LocationName string         `json:"location_name,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// CanonicalProfile is the single schema all per-platform records normalize
// into. Numeric statistics derived from posts are kept as formatted strings
// through the CSV stages and typed natively in parquet.
type CanonicalProfile struct {
	LanceID         string   `json:"lance_db_id"`
	Platform        Platform `json:"platform"`
	PlatformID      string   `json:"platform_id,omitempty"`
	Username        string   `json:"username"`
	DisplayName     string   `json:"display_name,omitempty"`
	Biography       string   `json:"biography,omitempty"`
	Followers       *int64   `json:"followers,omitempty"`
	Following       *int64   `json:"following,omitempty"`
	PostsCount      *int64   `json:"posts_count,omitempty"`
	LikesTotal      *int64   `json:"likes_total,omitempty"`
	EngagementRate  *float64 `json:"engagement_rate,omitempty"`
	ExternalURL     string   `json:"external_url,omitempty"`
	ProfileURL      string   `json:"profile_url,omitempty"`
	ProfileImageURL string   `json:"profile_image_url,omitempty"`
	IsVerified      Flag     `json:"is_verified,omitempty"`
	IsPrivate       Flag     `json:"is_private,omitempty"`
	IsCommerceUser  Flag     `json:"is_commerce_user,omitempty"`

	Posts []PostRecord `json:"posts,omitempty"`

	// Derived from the 10 most-recent posts.
	ReelPostRatio   string `json:"reel_post_ratio_last10,omitempty"`
	MedianViews     string `json:"median_view_count_last10,omitempty"`
	MedianLikes     string `json:"median_like_count_last10,omitempty"`
	MedianComments  string `json:"median_comment_count_last10,omitempty"`
	TotalImgPostsIG string `json:"total_img_posts_ig,omitempty"`
	TotalReelsIG    string `json:"total_reels_ig,omitempty"`

	// LLM-assigned labels (ingestion).
	IndividualVsOrg    *int   `json:"individual_vs_org,omitempty"`
	GenerationalAppeal *int   `json:"generational_appeal,omitempty"`
	Professionalization *int  `json:"professionalization,omitempty"`
	RelationshipStatus *int   `json:"relationship_status,omitempty"`
	Location           string `json:"location,omitempty"`
	Ethnicity          string `json:"ethnicity,omitempty"`
	Age                string `json:"age,omitempty"`
	Occupation         string `json:"occupation,omitempty"`
	Keywords           []string `json:"keywords,omitempty"`

	// Fit annotations (discovery).
	FitScore     *int   `json:"fit_score,omitempty"`
	FitRationale string `json:"fit_rationale,omitempty"`
	FitError     string `json:"fit_error,omitempty"`

	// Scoring components (search).
	BM25          float64 `json:"bm25,omitempty"`
	ProfileSim    float64 `json:"profile_sim,omitempty"`
	PostsSim      float64 `json:"posts_sim,omitempty"`
	CombinedScore float64 `json:"combined_score,omitempty"`
	RerankScore   *float64 `json:"rerank_score,omitempty"`

	// Raw vendor fields not covered by the canonical schema.
	Extra map[string]string `json:"extra,omitempty"`
}

// HandleKey returns the normalized identity key used to correlate a profile
// across stages: lowercase "platform:username", falling back to the lowercase
// profile URL when the username is absent.
func (p *CanonicalProfile) HandleKey() string {
	if u := strings.TrimSpace(p.Username); u != "" {
		return strings.ToLower(string(p.Platform) + ":" + strings.TrimPrefix(u, "@"))
	}
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(p.ProfileURL), "/"))
}

// Ref returns the compact identifier carried in progress events.
func (p *CanonicalProfile) Ref() ProfileRef {
	return ProfileRef{
		LanceID:    p.LanceID,
		Account:    p.Username,
		ProfileURL: p.ProfileURL,
	}
}

// ProfileRef is a compact profile identifier; at least one field is set.
type ProfileRef struct {
	LanceID    string `json:"lance_id,omitempty"`
	Account    string `json:"account,omitempty"`
	ProfileURL string `json:"profile_url,omitempty"`
}

// ProfileHandle is a platform-plus-username pair identifying a creator account.
type ProfileHandle struct {
	Username string   `json:"username"`
	Platform Platform `json:"platform"`
}

// Refs converts a profile slice into event-sized references.
func Refs(profiles []CanonicalProfile) []ProfileRef {
	refs := make([]ProfileRef, 0, len(profiles))
	for i := range profiles {
		refs = append(refs, profiles[i].Ref())
	}
	return refs
}
