package search

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/dime-ai/discovery/internal/model"
)

// IndexedProfile pairs a profile with its two facet embeddings for loading.
type IndexedProfile struct {
	Profile    model.CanonicalProfile
	ProfileVec []float32
	PostsVec   []float32
}

// SQLiteIndex is the sqlite-backed profile index. Vectors are stored as
// little-endian float32 blobs and scanned brute-force; lexical scoring is a
// term-frequency count over the bio and post text.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex opens the profile database and configures WAL mode.
func NewSQLiteIndex(dsn string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "search: open index")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "search: exec %s", pragma)
		}
	}
	return &SQLiteIndex{db: db}, nil
}

const indexMigration = `
CREATE TABLE IF NOT EXISTS profiles (
	lance_db_id         TEXT PRIMARY KEY,
	platform            TEXT NOT NULL,
	username            TEXT NOT NULL,
	profile_url         TEXT,
	followers           INTEGER,
	engagement_rate     REAL,
	location            TEXT,
	category            TEXT,
	is_verified         TEXT,
	is_business_account TEXT,
	bio_text            TEXT,
	posts_text          TEXT,
	data                TEXT NOT NULL,
	profile_vec         BLOB,
	posts_vec           BLOB
);

CREATE INDEX IF NOT EXISTS idx_profiles_username ON profiles(username);
CREATE INDEX IF NOT EXISTS idx_profiles_followers ON profiles(followers);
`

// Migrate creates the schema.
func (s *SQLiteIndex) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, indexMigration)
	return eris.Wrap(err, "search: migrate index")
}

// Close closes the underlying database.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

// Upsert inserts or replaces indexed profiles.
func (s *SQLiteIndex) Upsert(ctx context.Context, profiles []IndexedProfile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "search: begin upsert")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO profiles
		(lance_db_id, platform, username, profile_url, followers, engagement_rate,
		 location, category, is_verified, is_business_account,
		 bio_text, posts_text, data, profile_vec, posts_vec)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "search: prepare upsert")
	}
	defer stmt.Close()

	for i := range profiles {
		p := &profiles[i].Profile
		data, err := json.Marshal(p)
		if err != nil {
			return eris.Wrapf(err, "search: encode profile %s", p.LanceID)
		}
		var followers int64
		if p.Followers != nil {
			followers = *p.Followers
		}
		var engagement float64
		if p.EngagementRate != nil {
			engagement = *p.EngagementRate
		}
		_, err = stmt.ExecContext(ctx,
			p.LanceID, string(p.Platform), p.Username,
			strings.ToLower(strings.TrimRight(p.ProfileURL, "/")),
			followers, engagement,
			strings.ToLower(p.Location), strings.ToLower(p.Extra["category"]),
			string(p.IsVerified), p.Extra["is_business_account"],
			strings.ToLower(p.Biography), strings.ToLower(postsText(p)),
			string(data),
			encodeVector(profiles[i].ProfileVec), encodeVector(profiles[i].PostsVec),
		)
		if err != nil {
			return eris.Wrapf(err, "search: upsert %s", p.LanceID)
		}
	}
	return eris.Wrap(tx.Commit(), "search: commit upsert")
}

// Count returns the number of indexed profiles.
func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&n)
	return n, eris.Wrap(err, "search: count profiles")
}

func (s *SQLiteIndex) VectorQuery(ctx context.Context, facet Facet, vector []float32, limit int, preds []Predicate) ([]Candidate, error) {
	column := "profile_vec"
	if facet == FacetPosts {
		column = "posts_vec"
	}
	where, args := whereClause(preds)
	rows, err := s.db.QueryContext(ctx,
		`SELECT data, `+column+` FROM profiles`+where, args...)
	if err != nil {
		return nil, eris.Wrap(err, "search: vector query")
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var data string
		var blob []byte
		if err := rows.Scan(&data, &blob); err != nil {
			return nil, eris.Wrap(err, "search: scan vector row")
		}
		stored := decodeVector(blob)
		if len(stored) == 0 || len(stored) != len(vector) {
			continue
		}
		var profile model.CanonicalProfile
		if err := json.Unmarshal([]byte(data), &profile); err != nil {
			return nil, eris.Wrap(err, "search: decode profile")
		}
		candidates = append(candidates, Candidate{
			Profile:  profile,
			Distance: cosineDistance(vector, stored),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "search: iterate vector rows")
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Distance < candidates[j].Distance
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (s *SQLiteIndex) TextQuery(ctx context.Context, scope model.LexicalScope, query string, limit int, preds []Predicate) ([]Candidate, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, nil
	}
	where, args := whereClause(preds)
	rows, err := s.db.QueryContext(ctx,
		`SELECT data, bio_text, posts_text FROM profiles`+where, args...)
	if err != nil {
		return nil, eris.Wrap(err, "search: text query")
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var data, bio, posts string
		if err := rows.Scan(&data, &bio, &posts); err != nil {
			return nil, eris.Wrap(err, "search: scan text row")
		}
		text := bio
		if scope != model.ScopeBio {
			text = bio + " " + posts
		}
		score := termScore(text, terms)
		if score == 0 {
			continue
		}
		var profile model.CanonicalProfile
		if err := json.Unmarshal([]byte(data), &profile); err != nil {
			return nil, eris.Wrap(err, "search: decode profile")
		}
		candidates = append(candidates, Candidate{Profile: profile, RawScore: score})
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "search: iterate text rows")
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].RawScore > candidates[j].RawScore
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (s *SQLiteIndex) GetByUsername(ctx context.Context, username string) (*model.CanonicalProfile, error) {
	return s.getOne(ctx, `SELECT data FROM profiles WHERE lower(username) = ? LIMIT 1`,
		strings.ToLower(strings.TrimSpace(username)))
}

func (s *SQLiteIndex) GetByURL(ctx context.Context, url string) (*model.CanonicalProfile, error) {
	return s.getOne(ctx, `SELECT data FROM profiles WHERE profile_url = ? LIMIT 1`,
		strings.ToLower(strings.TrimRight(strings.TrimSpace(url), "/")))
}

func (s *SQLiteIndex) getOne(ctx context.Context, query string, arg any) (*model.CanonicalProfile, error) {
	var data string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "search: lookup profile")
	}
	var profile model.CanonicalProfile
	if err := json.Unmarshal([]byte(data), &profile); err != nil {
		return nil, eris.Wrap(err, "search: decode profile")
	}
	return &profile, nil
}

func (s *SQLiteIndex) Vector(ctx context.Context, lanceID string, facet Facet) ([]float32, error) {
	column := "profile_vec"
	if facet == FacetPosts {
		column = "posts_vec"
	}
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT `+column+` FROM profiles WHERE lance_db_id = ?`, lanceID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "search: load vector")
	}
	return decodeVector(blob), nil
}

// whereClause lowers predicates into SQL. Unknown fields are dropped rather
// than failing the query.
func whereClause(preds []Predicate) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	for _, pred := range preds {
		column := ""
		switch pred.Field {
		case "followers", "engagement_rate", "location", "category",
			"is_verified", "is_business_account":
			column = pred.Field
		default:
			continue
		}
		value := pred.Value
		if b, ok := value.(bool); ok {
			if b {
				value = "true"
			} else {
				value = "false"
			}
		}
		switch pred.Op {
		case OpGte:
			clauses = append(clauses, column+" >= ?")
		case OpLte:
			clauses = append(clauses, column+" <= ?")
		case OpContains:
			clauses = append(clauses, column+" LIKE '%' || ? || '%'")
		default:
			clauses = append(clauses, column+" = ?")
		}
		args = append(args, value)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func termScore(text string, terms []string) float64 {
	score := 0.0
	for _, term := range terms {
		score += float64(strings.Count(text, term))
	}
	return score
}

func postsText(p *model.CanonicalProfile) string {
	var b strings.Builder
	for _, post := range p.Posts {
		if post.Caption != "" {
			b.WriteString(post.Caption)
			b.WriteByte(' ')
		}
		for _, tag := range post.Hashtags {
			b.WriteString(tag)
			b.WriteByte(' ')
		}
	}
	return b.String()
}

func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func cosineDistance(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
