package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dime-ai/discovery/internal/model"
)

func TestDecodeText(t *testing.T) {
	assert.Equal(t, "hello world", DecodeText(`hello\nworld`))
	assert.Equal(t, "café", DecodeText(`café`))
	assert.Equal(t, "a b c", DecodeText("a   b\t\tc"))
	assert.Equal(t, "", DecodeText(""))
}

func TestDecodeFlag(t *testing.T) {
	assert.Equal(t, model.FlagTrue, DecodeFlag(true))
	assert.Equal(t, model.FlagTrue, DecodeFlag("Yes"))
	assert.Equal(t, model.FlagTrue, DecodeFlag(float64(1)))
	assert.Equal(t, model.FlagTrue, DecodeFlag(int64(1)))
	assert.Equal(t, model.FlagFalse, DecodeFlag(0))
	assert.Equal(t, model.FlagFalse, DecodeFlag(int64(0)))
	assert.Equal(t, model.FlagFalse, DecodeFlag("0"))
	assert.Equal(t, model.FlagFalse, DecodeFlag("no"))
	assert.Equal(t, model.FlagUnknown, DecodeFlag("maybe"))
	assert.Equal(t, model.FlagUnknown, DecodeFlag(nil))
}

func TestInferPlatform(t *testing.T) {
	assert.Equal(t, model.PlatformTikTok, InferPlatform(map[string]string{"platform": "TikTok"}))
	assert.Equal(t, model.PlatformTikTok, InferPlatform(map[string]string{"url": "https://www.tiktok.com/@someone"}))
	assert.Equal(t, model.PlatformInstagram, InferPlatform(map[string]string{"profile_url": "https://instagram.com/someone"}))
	assert.Equal(t, model.PlatformInstagram, InferPlatform(map[string]string{}))
}

func TestProfileInstagramMapping(t *testing.T) {
	raw := map[string]string{
		"lance_db_id":        "instagram_000042",
		"fbid":               "178414",
		"account":            "wanderer",
		"profile_name":       "The  Wanderer",
		"biography":          `travel & food`,
		"followers":          "12400",
		"following":          "311",
		"posts_count":        "912",
		"avg_engagement":     "3.4",
		"external_url":       `["https://linktr.ee/wanderer","https://other.example"]`,
		"profile_url":        "https://instagram.com/wanderer",
		"profile_image_link": "https://cdn.example/wanderer.jpg",
		"is_verified":        "true",
		"posts":              `[{"id":"p1","caption":"Sunset #views today","hashtags":["#views"],"like_count":"1200","comments":40,"type":"GraphImage","datetime":"2024-05-01T10:00:00Z","location":{"name":"Lisbon"}}]`,
	}

	p := Profile(raw, "")
	assert.Equal(t, model.PlatformInstagram, p.Platform)
	assert.Equal(t, "178414", p.PlatformID)
	assert.Equal(t, "wanderer", p.Username)
	assert.Equal(t, "The Wanderer", p.DisplayName)
	assert.Equal(t, "travel & food", p.Biography)
	require.NotNil(t, p.Followers)
	assert.Equal(t, int64(12400), *p.Followers)
	assert.Equal(t, "https://linktr.ee/wanderer", p.ExternalURL)
	assert.Equal(t, model.FlagTrue, p.IsVerified)
	assert.Equal(t, model.FlagFalse, p.IsCommerceUser)

	require.Len(t, p.Posts, 1)
	post := p.Posts[0]
	assert.Equal(t, "Sunset today", post.Caption)
	assert.Equal(t, []string{"views"}, post.Hashtags)
	assert.Equal(t, "Lisbon", post.LocationName)
	require.NotNil(t, post.LikeCount)
	assert.Equal(t, int64(1200), *post.LikeCount)

	assert.Equal(t, "0.000", p.ReelPostRatio)
	assert.Equal(t, "1200", p.MedianLikes)
	assert.Equal(t, "1", p.TotalImgPostsIG)
	assert.Equal(t, "0", p.TotalReelsIG)
}

func TestProfileTikTokMergesPostLists(t *testing.T) {
	raw := map[string]string{
		"id":                  "998",
		"account_id":          "dancer",
		"nickname":            "Dancer",
		"signature":           "daily moves",
		"followers":           "5000",
		"awg_engagement_rate": "7.1",
		"url":                 "https://www.tiktok.com/@dancer",
		"top_posts_data":      `[{"post_id":"v1","desc":"clip one","diggCount":10}]`,
		"top_videos":          `[{"video_id":"v1","playCount":900,"desc":""},{"video_id":"v2","desc":"clip two","playCount":50}]`,
	}

	p := Profile(raw, model.PlatformTikTok)
	assert.Equal(t, "dancer", p.Username)
	assert.Equal(t, "daily moves", p.Biography)

	require.Len(t, p.Posts, 2)
	byID := map[string]model.PostRecord{}
	for _, post := range p.Posts {
		byID[post.ID] = post
	}
	v1 := byID["v1"]
	assert.Equal(t, "clip one", v1.Caption)
	require.NotNil(t, v1.LikeCount)
	assert.Equal(t, int64(10), *v1.LikeCount)
	require.NotNil(t, v1.ViewCount)
	assert.Equal(t, int64(900), *v1.ViewCount)
	assert.Equal(t, "video", v1.MediaType)
}

func TestStripHashtags(t *testing.T) {
	got := stripHashtags("New recipe #FoodIE out now # foodie again", []string{"foodie"})
	assert.Equal(t, "New recipe out now again", got)

	got = stripHashtags("word#tag stays inline", []string{"tag"})
	assert.Equal(t, "word#tag stays inline", got)
}

func TestCleanHashtagsDedupes(t *testing.T) {
	tags := cleanHashtags(`["#travel","travel","  ","#food"]`)
	assert.Equal(t, []string{"travel", "food"}, tags)

	tags = cleanHashtags("one, two, one")
	assert.Equal(t, []string{"one", "two"}, tags)
}

func TestOrderRecent(t *testing.T) {
	posts := []model.PostRecord{
		{ID: "old", Timestamp: "2023-01-01T00:00:00Z"},
		{ID: "none-a"},
		{ID: "new", Timestamp: "2024-06-01T00:00:00Z"},
		{ID: "none-b"},
		{ID: "mid", Timestamp: "2023-09-15"},
	}
	ordered := OrderRecent(posts)
	require.Len(t, ordered, 5)
	assert.Equal(t, "new", ordered[0].ID)
	assert.Equal(t, "mid", ordered[1].ID)
	assert.Equal(t, "old", ordered[2].ID)
	assert.Equal(t, "none-a", ordered[3].ID)
	assert.Equal(t, "none-b", ordered[4].ID)
}

func TestOrderRecentTruncatesToTen(t *testing.T) {
	var posts []model.PostRecord
	for i := 0; i < 14; i++ {
		posts = append(posts, model.PostRecord{ID: string(rune('a' + i))})
	}
	assert.Len(t, OrderRecent(posts), 10)
}

func TestComputeStats(t *testing.T) {
	n := func(v int64) *int64 { return &v }
	posts := []model.PostRecord{
		{MediaType: "Reel", ViewCount: n(100), LikeCount: n(10), CommentCount: n(1)},
		{MediaType: "GraphImage", ViewCount: n(200), LikeCount: n(20), CommentCount: n(2)},
		{MediaType: "GraphVideo", ViewCount: n(301), LikeCount: n(30), CommentCount: n(4)},
	}
	stats := ComputeStats(posts)
	assert.Equal(t, "0.667", stats.ReelRatio)
	assert.Equal(t, "200", stats.MedianViews)
	assert.Equal(t, "20", stats.MedianLikes)
	assert.Equal(t, "2", stats.MedianComments)
}

func TestComputeStatsEvenMedian(t *testing.T) {
	n := func(v int64) *int64 { return &v }
	stats := ComputeStats([]model.PostRecord{
		{LikeCount: n(10)},
		{LikeCount: n(15)},
	})
	assert.Equal(t, "12.500", stats.MedianLikes)
	assert.Equal(t, "", stats.ReelRatio)
	assert.Equal(t, "", stats.MedianViews)
}

func TestComputeStatsEmpty(t *testing.T) {
	stats := ComputeStats(nil)
	assert.Equal(t, "", stats.ReelRatio)
	assert.Equal(t, "", stats.MedianLikes)
}

func TestCountInstagramMedia(t *testing.T) {
	images, reels := CountInstagramMedia([]model.PostRecord{
		{MediaType: "GraphImage"},
		{MediaType: "GraphSidecar"},
		{MediaType: "igtv"},
	})
	assert.Equal(t, "2", images)
	assert.Equal(t, "1", reels)

	images, reels = CountInstagramMedia(nil)
	assert.Equal(t, "", images)
	assert.Equal(t, "", reels)
}

func TestHandleKey(t *testing.T) {
	p := model.CanonicalProfile{Platform: model.PlatformInstagram, Username: "@Wanderer"}
	assert.Equal(t, "instagram:wanderer", p.HandleKey())

	p = model.CanonicalProfile{ProfileURL: "https://TikTok.com/@dancer/"}
	assert.Equal(t, "https://tiktok.com/@dancer", p.HandleKey())
}
