package normalize

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/dime-ai/discovery/internal/model"
)

var spaceRun = regexp.MustCompile(`\s+`)

// Synonym lists tried in order per canonical post field. Raw exports from the
// two platforms (and from different vendor dataset versions) disagree on key
// names.
var (
	postIDKeys        = []string{"id", "post_id", "aweme_id", "video_id"}
	postCaptionKeys   = []string{"caption", "desc", "title", "text", "description"}
	postLikeKeys      = []string{"likes", "like_count", "diggCount", "diggcount", "collectCount"}
	postFavoriteKeys  = []string{"favorites_count", "favoriteCount", "collectCount"}
	postCommentKeys   = []string{"comments", "comment_count", "commentCount", "commentcount"}
	postShareKeys     = []string{"share_count", "shareCount", "forwardCount"}
	postViewKeys      = []string{"view_count", "viewCount", "playCount", "playcount"}
	postURLKeys       = []string{"url", "videoUrl", "video_url", "share_url", "permalink", "post_url"}
	postMediaKeys     = []string{"content_type", "media_type", "type", "post_type"}
	postTimestampKeys = []string{"datetime", "createTime", "create_time", "create_date", "published_at"}
	postDurationKeys  = []string{"duration", "videoDuration", "video_duration"}
	postHashtagKeys   = []string{"hashtags", "post_hashtags"}
	postThumbKeys     = []string{"image_url", "thumbnail_url", "thumb_url", "cover_image"}
)

// knownPostKeys is the union of all synonym lists; anything else lands in Extra.
var knownPostKeys = func() map[string]struct{} {
	known := make(map[string]struct{})
	for _, list := range [][]string{
		postIDKeys, postCaptionKeys, postLikeKeys, postFavoriteKeys,
		postCommentKeys, postShareKeys, postViewKeys, postURLKeys,
		postMediaKeys, postTimestampKeys, postDurationKeys, postHashtagKeys,
		postThumbKeys,
	} {
		for _, key := range list {
			known[key] = struct{}{}
		}
	}
	return known
}()

func firstValue(item map[string]any, keys ...string) any {
	for _, key := range keys {
		v, ok := item[key]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case []any:
			if len(t) > 0 {
				return t
			}
		default:
			return t
		}
	}
	return nil
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func asInt(v any) *int64 {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		n := int64(t)
		return &n
	case string:
		return parseInt(t)
	case int:
		n := int64(t)
		return &n
	case int64:
		return &t
	}
	return nil
}

func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case string:
		if t == "" {
			return nil
		}
		var parsed []any
		if err := json.Unmarshal([]byte(t), &parsed); err == nil {
			return parsed
		}
		var out []any
		for _, part := range strings.Split(t, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

// decodePostList accepts an already-decoded list, a JSON string, or anything
// else (treated as empty).
func decodePostList(raw any) []any {
	switch t := raw.(type) {
	case []any:
		return t
	case []map[string]any:
		out := make([]any, len(t))
		for i, m := range t {
			out[i] = m
		}
		return out
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		var parsed []any
		if err := json.Unmarshal([]byte(t), &parsed); err != nil {
			return nil
		}
		return parsed
	}
	return nil
}

// cleanHashtags strips leading '#', drops empties, and deduplicates while
// preserving first-seen order.
func cleanHashtags(raw any) []string {
	var tags []string
	seen := make(map[string]struct{})
	for _, item := range asList(raw) {
		tag := strings.TrimSpace(asString(item))
		tag = strings.TrimPrefix(tag, "#")
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}

// stripHashtags removes each tag's "#tag" occurrence from the caption
// (case-insensitive, optional whitespace after '#', word boundary respected)
// and collapses the remaining whitespace.
func stripHashtags(caption string, tags []string) string {
	if caption == "" {
		return caption
	}
	for _, tag := range tags {
		re, err := regexp.Compile(`(?i)(^|[^0-9A-Za-z_])#\s*` + regexp.QuoteMeta(tag) + `\b`)
		if err != nil {
			continue
		}
		caption = re.ReplaceAllString(caption, "$1")
	}
	return strings.TrimSpace(spaceRun.ReplaceAllString(caption, " "))
}

// postLocation descends into instagram location values: object, list of
// objects, or plain string.
func postLocation(item map[string]any) string {
	loc := item["location"]
	if loc == nil {
		loc = item["place"]
	}
	if loc == nil {
		loc = item["location_name"]
	}
	switch t := loc.(type) {
	case string:
		return DecodeText(t)
	case map[string]any:
		return DecodeText(asString(firstValue(t, "name", "title", "short_name")))
	case []any:
		if len(t) > 0 {
			if first, ok := t[0].(map[string]any); ok {
				return DecodeText(asString(firstValue(first, "name", "title", "short_name")))
			}
		}
	}
	return ""
}

// Posts normalizes a raw post list for the given platform. Non-mapping
// elements are skipped; missing fields default silently.
func Posts(raw any, platform string) []model.PostRecord {
	entries := decodePostList(raw)
	posts := make([]model.PostRecord, 0, len(entries))

	for _, entry := range entries {
		item, ok := entry.(map[string]any)
		if !ok {
			continue
		}

		caption := DecodeText(asString(firstValue(item, postCaptionKeys...)))
		tags := cleanHashtags(firstValue(item, postHashtagKeys...))
		if caption != "" && len(tags) > 0 {
			caption = stripHashtags(caption, tags)
		}

		mediaType := asString(firstValue(item, postMediaKeys...))
		if mediaType == "" {
			if platform == "tiktok" {
				mediaType = "video"
			} else {
				mediaType = "image"
			}
		}

		post := model.PostRecord{
			Platform:     platform,
			ID:           asString(firstValue(item, postIDKeys...)),
			Caption:      caption,
			Hashtags:     tags,
			LikeCount:    asInt(firstValue(item, postLikeKeys...)),
			FavoriteCnt:  asInt(firstValue(item, postFavoriteKeys...)),
			CommentCount: asInt(firstValue(item, postCommentKeys...)),
			ShareCount:   asInt(firstValue(item, postShareKeys...)),
			ViewCount:    asInt(firstValue(item, postViewKeys...)),
			URL:          asString(firstValue(item, postURLKeys...)),
			MediaType:    mediaType,
			Timestamp:    asString(firstValue(item, postTimestampKeys...)),
			Duration:     asString(firstValue(item, postDurationKeys...)),
			ThumbnailURL: asString(firstValue(item, postThumbKeys...)),
		}

		if platform == "instagram" {
			post.LocationName = postLocation(item)
		}

		extra := make(map[string]any)
		for key, value := range item {
			if _, known := knownPostKeys[key]; known {
				continue
			}
			switch key {
			case "location", "place", "location_name":
				continue
			}
			extra[key] = value
		}
		if len(extra) > 0 {
			post.Extra = extra
		}

		posts = append(posts, post)
	}

	return posts
}

// tiktokIDKeys is the merge-identity preference order for split post lists.
var tiktokIDKeys = [][]string{
	{"post_id", "video_id", "aweme_id"},
	{"video_id", "post_id", "aweme_id"},
}

// MergeTikTokPosts merges the two post lists a TikTok export may carry
// (top_posts_data and top_videos) keyed by post id. The first non-empty value
// per field wins; first-seen order is preserved. Entries with no id under any
// synonym are dropped.
func MergeTikTokPosts(raw map[string]string) []map[string]any {
	posts := decodePostList(raw["top_posts_data"])
	videos := decodePostList(raw["top_videos"])

	combined := make(map[string]map[string]any)
	var order []string

	merge := func(items []any, idKeys []string) {
		for _, entry := range items {
			item, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			var id string
			for _, key := range idKeys {
				if v := strings.TrimSpace(asString(item[key])); v != "" {
					id = v
					break
				}
			}
			if id == "" {
				continue
			}
			target, exists := combined[id]
			if !exists {
				target = map[string]any{"video_id": id}
				combined[id] = target
				order = append(order, id)
			}
			for key, value := range item {
				if existing, present := target[key]; present && !emptyValue(existing) {
					continue
				}
				target[key] = value
			}
		}
	}

	merge(posts, tiktokIDKeys[0])
	merge(videos, tiktokIDKeys[1])

	out := make([]map[string]any, 0, len(order))
	for _, id := range order {
		out = append(out, combined[id])
	}
	return out
}

func emptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	}
	return false
}
