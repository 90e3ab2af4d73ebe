package normalize

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dime-ai/discovery/internal/model"
)

// Stats holds derived post statistics formatted for the canonical schema.
type Stats struct {
	ReelRatio      string
	MedianViews    string
	MedianLikes    string
	MedianComments string
}

const recentWindow = 10

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if epoch, err := strconv.ParseInt(s, 10, 64); err == nil && epoch > 0 {
		return time.Unix(epoch, 0).UTC(), true
	}
	return time.Time{}, false
}

// OrderRecent sorts posts newest-first by parsed timestamp, keeps posts
// without a usable timestamp after the dated ones in their original order, and
// truncates to the ten most recent.
func OrderRecent(posts []model.PostRecord) []model.PostRecord {
	type dated struct {
		post model.PostRecord
		ts   time.Time
	}
	var withTS []dated
	var withoutTS []model.PostRecord
	for _, post := range posts {
		if ts, ok := parseTimestamp(post.Timestamp); ok {
			withTS = append(withTS, dated{post: post, ts: ts})
		} else {
			withoutTS = append(withoutTS, post)
		}
	}
	sort.SliceStable(withTS, func(i, j int) bool {
		return withTS[i].ts.After(withTS[j].ts)
	})

	ordered := make([]model.PostRecord, 0, len(posts))
	for _, d := range withTS {
		ordered = append(ordered, d.post)
	}
	ordered = append(ordered, withoutTS...)
	if len(ordered) > recentWindow {
		ordered = ordered[:recentWindow]
	}
	return ordered
}

// reel media types beyond the substring checks.
var reelTypes = map[string]struct{}{
	"igtv":       {},
	"graphvideo": {},
}

var imageTypes = map[string]struct{}{
	"graphimage":   {},
	"image":        {},
	"photo":        {},
	"graphsidecar": {},
}

func isReel(mediaType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	if mt == "" {
		return false
	}
	if strings.Contains(mt, "reel") || strings.Contains(mt, "video") {
		return true
	}
	_, ok := reelTypes[mt]
	return ok
}

func isImage(mediaType string) bool {
	_, ok := imageTypes[strings.ToLower(strings.TrimSpace(mediaType))]
	return ok
}

// formatMedian renders a median as an integer when exact, otherwise with
// three decimals. Empty when no values were present.
func formatMedian(values []int64) string {
	if len(values) == 0 {
		return ""
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return strconv.FormatInt(sorted[mid], 10)
	}
	sum := sorted[mid-1] + sorted[mid]
	if sum%2 == 0 {
		return strconv.FormatInt(sum/2, 10)
	}
	return fmt.Sprintf("%.3f", float64(sum)/2)
}

// ComputeStats derives the last-10 statistics from an already-ordered post
// list. Ratio and medians are blank when no posts carry the relevant field.
func ComputeStats(posts []model.PostRecord) Stats {
	var stats Stats
	if len(posts) == 0 {
		return stats
	}
	window := posts
	if len(window) > recentWindow {
		window = window[:recentWindow]
	}

	var reels, total int
	var views, likes, comments []int64
	for _, post := range window {
		if post.MediaType != "" {
			total++
			if isReel(post.MediaType) {
				reels++
			}
		}
		if post.ViewCount != nil {
			views = append(views, *post.ViewCount)
		}
		if post.LikeCount != nil {
			likes = append(likes, *post.LikeCount)
		}
		if post.CommentCount != nil {
			comments = append(comments, *post.CommentCount)
		}
	}

	if total > 0 {
		stats.ReelRatio = fmt.Sprintf("%.3f", float64(reels)/float64(total))
	}
	stats.MedianViews = formatMedian(views)
	stats.MedianLikes = formatMedian(likes)
	stats.MedianComments = formatMedian(comments)
	return stats
}

// CountInstagramMedia tallies image posts and reels across the full post list.
// Both counts are blank when the list is empty.
func CountInstagramMedia(posts []model.PostRecord) (images, reels string) {
	if len(posts) == 0 {
		return "", ""
	}
	var img, rl int
	for _, post := range posts {
		switch {
		case isReel(post.MediaType):
			rl++
		case isImage(post.MediaType):
			img++
		}
	}
	return strconv.Itoa(img), strconv.Itoa(rl)
}
