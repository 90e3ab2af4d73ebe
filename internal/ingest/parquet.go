package ingest

import (
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/parquet-go/parquet-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dime-ai/discovery/internal/model"
	"github.com/dime-ai/discovery/internal/normalize"
)

// parquetProfile is the typed row of normalized_profiles.parquet. String
// statistics from the CSV stages become native numerics here.
type parquetProfile struct {
	LanceID         string  `parquet:"lance_db_id"`
	Platform        string  `parquet:"platform"`
	Username        string  `parquet:"username"`
	DisplayName     string  `parquet:"display_name"`
	Biography       string  `parquet:"biography"`
	Followers       int64   `parquet:"followers"`
	Following       int64   `parquet:"following"`
	PostsCount      int64   `parquet:"posts_count"`
	EngagementRate  float64 `parquet:"engagement_rate"`
	ExternalURL     string  `parquet:"external_url"`
	ProfileURL      string  `parquet:"profile_url"`
	ProfileImageURL string  `parquet:"profile_image_url"`
	IsVerified      bool    `parquet:"is_verified"`
	PostsJSON       string  `parquet:"posts_json"`

	ReelPostRatio  float64 `parquet:"reel_post_ratio_last10"`
	MedianViews    float64 `parquet:"median_view_count_last10"`
	MedianLikes    float64 `parquet:"median_like_count_last10"`
	MedianComments float64 `parquet:"median_comment_count_last10"`
	TotalImgPosts  int64   `parquet:"total_img_posts_ig"`
	TotalReels     int64   `parquet:"total_reels_ig"`

	IndividualVsOrg     int32  `parquet:"individual_vs_org"`
	GenerationalAppeal  int32  `parquet:"generational_appeal"`
	Professionalization int32  `parquet:"professionalization"`
	RelationshipStatus  int32  `parquet:"relationship_status"`
	Location            string `parquet:"location"`
	Ethnicity           string `parquet:"ethnicity"`
	Age                 string `parquet:"age"`
	Occupation          string `parquet:"occupation"`
	Keywords            string `parquet:"keywords"`
	LLMProcessed        bool   `parquet:"llm_processed"`
}

// MergeResult reports one parquet merge.
type MergeResult struct {
	OutputPath string
	Rows       int
	Labeled    int
}

// WriteParquet joins label CSVs onto the filtered profile CSV by lance_db_id
// and writes normalized_profiles.parquet. Rows without a label are kept with
// llm_processed=false.
func WriteParquet(profilesCSV string, labelCSVs []string, outputPath string) (*MergeResult, error) {
	labels, err := loadLabels(labelCSVs)
	if err != nil {
		return nil, err
	}

	rows, err := openRows(profilesCSV)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	file, err := os.Create(outputPath)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: create %s", outputPath)
	}
	writer := parquet.NewGenericWriter[parquetProfile](file)

	result := &MergeResult{OutputPath: outputPath}
	for {
		record, readErr := rows.Next()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			writer.Close()
			file.Close()
			return nil, eris.Wrapf(readErr, "ingest: read %s", profilesCSV)
		}

		row := parquetRow(record)
		if label, ok := labels[row.LanceID]; ok && label.ProcessingError == "" {
			row.IndividualVsOrg = int32(label.IndividualVsOrg)
			row.GenerationalAppeal = int32(label.GenerationalAppeal)
			row.Professionalization = int32(label.Professionalization)
			row.RelationshipStatus = int32(label.RelationshipStatus)
			row.Location = label.Location
			row.Ethnicity = label.Ethnicity
			row.Age = label.Age
			row.Occupation = label.Occupation
			row.Keywords = label.Keywords
			row.LLMProcessed = true
			result.Labeled++
		}
		if _, err := writer.Write([]parquetProfile{row}); err != nil {
			writer.Close()
			file.Close()
			return nil, eris.Wrap(err, "ingest: write parquet row")
		}
		result.Rows++
	}

	if err := writer.Close(); err != nil {
		file.Close()
		return nil, eris.Wrap(err, "ingest: close parquet writer")
	}
	if err := file.Close(); err != nil {
		return nil, eris.Wrapf(err, "ingest: close %s", outputPath)
	}

	zap.L().Info("parquet written",
		zap.String("output", outputPath),
		zap.Int("rows", result.Rows),
		zap.Int("labeled", result.Labeled),
	)
	return result, nil
}

func loadLabels(paths []string) (map[string]LabelRow, error) {
	labels := map[string]LabelRow{}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: read labels %s", path)
		}
		var rows []LabelRow
		if err := csvutil.Unmarshal(data, &rows); err != nil {
			return nil, eris.Wrapf(err, "ingest: decode labels %s", path)
		}
		for _, row := range rows {
			labels[row.LanceID] = row
		}
	}
	return labels, nil
}

func parquetRow(record map[string]string) parquetProfile {
	profile := normalize.Profile(record, "")
	postsJSON := ""
	if len(profile.Posts) > 0 {
		if data, err := json.Marshal(profile.Posts); err == nil {
			postsJSON = string(data)
		}
	}
	return parquetProfile{
		LanceID:         strings.TrimSpace(record["lance_db_id"]),
		Platform:        string(profile.Platform),
		Username:        profile.Username,
		DisplayName:     profile.DisplayName,
		Biography:       profile.Biography,
		Followers:       derefInt(profile.Followers),
		Following:       derefInt(profile.Following),
		PostsCount:      derefInt(profile.PostsCount),
		EngagementRate:  derefFloat(profile.EngagementRate),
		ExternalURL:     profile.ExternalURL,
		ProfileURL:      profile.ProfileURL,
		ProfileImageURL: profile.ProfileImageURL,
		IsVerified:      profile.IsVerified == model.FlagTrue,
		PostsJSON:       postsJSON,
		ReelPostRatio:   parseStat(profile.ReelPostRatio),
		MedianViews:     parseStat(profile.MedianViews),
		MedianLikes:     parseStat(profile.MedianLikes),
		MedianComments:  parseStat(profile.MedianComments),
		TotalImgPosts:   int64(parseStat(profile.TotalImgPostsIG)),
		TotalReels:      int64(parseStat(profile.TotalReelsIG)),
	}
}

func derefInt(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func parseStat(s string) float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return value
}
