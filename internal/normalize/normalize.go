// Package normalize converts heterogeneous per-platform creator records into
// the canonical profile schema. All functions are pure; callers own I/O.
package normalize

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/dime-ai/discovery/internal/model"
)

// DecodeText interprets source-level escape sequences (\n, \", unicode
// escapes) once, collapses whitespace runs, and trims.
func DecodeText(s string) string {
	if s == "" {
		return ""
	}
	quoted := `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	var out string
	if err := json.Unmarshal([]byte(quoted), &out); err != nil {
		return collapseSpace(s)
	}
	return collapseSpace(out)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// DecodeFlag maps boolean, numeric 0/1, and yes/no string forms onto the
// tri-state Flag. Unrecognized values are unknown.
func DecodeFlag(v any) model.Flag {
	switch t := v.(type) {
	case bool:
		if t {
			return model.FlagTrue
		}
		return model.FlagFalse
	case int:
		if t == 0 {
			return model.FlagFalse
		}
		return model.FlagTrue
	case int64:
		if t == 0 {
			return model.FlagFalse
		}
		return model.FlagTrue
	case float64:
		if t == 0 {
			return model.FlagFalse
		}
		return model.FlagTrue
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y":
			return model.FlagTrue
		case "false", "0", "no", "n":
			return model.FlagFalse
		}
	}
	return model.FlagUnknown
}

// InferPlatform resolves the source network of a raw record: explicit
// platform field, then known URL substrings, then instagram.
func InferPlatform(raw map[string]string) model.Platform {
	for _, key := range []string{"platform", "platform_type", "source_platform", "platform_name"} {
		switch strings.ToLower(strings.TrimSpace(raw[key])) {
		case "instagram":
			return model.PlatformInstagram
		case "tiktok":
			return model.PlatformTikTok
		}
	}
	url := strings.ToLower(raw["profile_url"] + " " + raw["url"])
	if strings.Contains(url, "tiktok.com") {
		return model.PlatformTikTok
	}
	return model.PlatformInstagram
}

func firstNonEmpty(raw map[string]string, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(raw[key]); v != "" {
			return v
		}
	}
	return ""
}

func parseInt(s string) *int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	n := int64(f)
	return &n
}

func parseFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

// unwrapExternalURL takes the first element when the raw value is a JSON
// array of links.
func unwrapExternalURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "[") {
		return trimmed
	}
	var urls []string
	if err := json.Unmarshal([]byte(trimmed), &urls); err != nil || len(urls) == 0 {
		return trimmed
	}
	return urls[0]
}

// Profile converts one raw vendor row into the canonical schema. The mapping
// tables differ per platform; when platformHint is empty the platform is
// inferred from the record itself. Missing fields default silently.
func Profile(raw map[string]string, platformHint model.Platform) model.CanonicalProfile {
	platform := platformHint
	if platform == "" {
		platform = InferPlatform(raw)
	}

	var p model.CanonicalProfile
	p.Platform = platform
	p.LanceID = strings.TrimSpace(raw["lance_db_id"])

	switch platform {
	case model.PlatformTikTok:
		p.PlatformID = firstNonEmpty(raw, "id")
		p.Username = firstNonEmpty(raw, "account_id", "username")
		p.DisplayName = DecodeText(firstNonEmpty(raw, "profile_name", "nickname", "account_id"))
		p.Biography = DecodeText(firstNonEmpty(raw, "biography", "signature"))
		p.Followers = parseInt(raw["followers"])
		p.Following = parseInt(raw["following"])
		p.PostsCount = parseInt(raw["videos_count"])
		p.LikesTotal = parseInt(raw["likes"])
		p.EngagementRate = parseFloat(raw["awg_engagement_rate"])
		p.ExternalURL = firstNonEmpty(raw, "bio_link")
		p.ProfileURL = firstNonEmpty(raw, "url", "profile_url")
		p.ProfileImageURL = firstNonEmpty(raw, "profile_pic_url_hd", "profile_pic_url")
		p.IsVerified = DecodeFlag(raw["is_verified"])
		p.IsPrivate = DecodeFlag(raw["is_private"])
		p.IsCommerceUser = DecodeFlag(raw["is_commerce_user"])
		p.Posts = Posts(MergeTikTokPosts(raw), "tiktok")
	default:
		p.PlatformID = firstNonEmpty(raw, "fbid", "id")
		p.Username = firstNonEmpty(raw, "account", "username")
		p.DisplayName = DecodeText(firstNonEmpty(raw, "profile_name", "full_name", "account"))
		p.Biography = DecodeText(raw["biography"])
		p.Followers = parseInt(raw["followers"])
		p.Following = parseInt(raw["following"])
		p.PostsCount = parseInt(raw["posts_count"])
		p.EngagementRate = parseFloat(raw["avg_engagement"])
		p.ExternalURL = unwrapExternalURL(raw["external_url"])
		p.ProfileURL = firstNonEmpty(raw, "profile_url", "url")
		p.ProfileImageURL = firstNonEmpty(raw, "profile_image_link", "profile_image_url")
		p.IsVerified = DecodeFlag(raw["is_verified"])
		p.IsPrivate = DecodeFlag(raw["is_private"])
		p.IsCommerceUser = model.FlagFalse
		p.Posts = Posts(raw["posts"], "instagram")
	}

	p.Posts = OrderRecent(p.Posts)
	stats := ComputeStats(p.Posts)
	p.ReelPostRatio = stats.ReelRatio
	p.MedianViews = stats.MedianViews
	p.MedianLikes = stats.MedianLikes
	p.MedianComments = stats.MedianComments
	if platform == model.PlatformInstagram {
		p.TotalImgPostsIG, p.TotalReelsIG = CountInstagramMedia(p.Posts)
	}

	return p
}
