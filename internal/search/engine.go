package search

import (
	"context"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dime-ai/discovery/internal/model"
)

// weights splits the combined score across the keyword and vector facets.
type weights struct {
	kw      float64
	profile float64
	posts   float64
}

var modeWeights = map[model.SearchMethod]weights{
	model.SearchLexical:  {kw: 1.0},
	model.SearchSemantic: {profile: 0.6, posts: 0.4},
	model.SearchHybrid:   {kw: 0.35, profile: 0.40, posts: 0.25},
}

var similarWeights = weights{kw: 0.2, profile: 0.5, posts: 0.3}

func (w weights) normalized() weights {
	sum := w.kw + w.profile + w.posts
	if sum <= 0 {
		return w
	}
	return weights{kw: w.kw / sum, profile: w.profile / sum, posts: w.posts / sum}
}

const (
	defaultLimit = 25
	// poolFactor oversamples each facet before fusion.
	poolFactor = 3
)

// Engine fuses lexical and vector retrieval into one ranked result list.
type Engine struct {
	index    Index
	embedder Embedder
}

// NewEngine builds a search engine. embedder may be nil; semantic and hybrid
// queries then fail.
func NewEngine(index Index, embedder Embedder) *Engine {
	return &Engine{index: index, embedder: embedder}
}

// scored accumulates the per-facet evidence for one candidate.
type scored struct {
	profile model.CanonicalProfile
	kwRaw   float64
	prof    float64
	posts   float64
}

// Search runs a query in the requested mode and returns ranked profiles with
// their score components attached.
func (e *Engine) Search(ctx context.Context, req model.SearchRequest) ([]model.CanonicalProfile, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, eris.New("search: query is required")
	}
	method := req.Method
	if method == "" {
		method = model.SearchHybrid
	}
	w, ok := modeWeights[method]
	if !ok {
		return nil, eris.Errorf("search: unknown method %q", method)
	}
	if (w.profile > 0 || w.posts > 0) && e.embedder == nil {
		return nil, eris.Errorf("search: method %q requires an embedding model", method)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	scope := req.LexicalScope
	if scope == "" {
		scope = model.ScopeBioPosts
	}
	preds := predicates(req.Filters)

	var queryVec []float32
	if w.profile > 0 || w.posts > 0 {
		vecs, err := e.embedder.Embed(ctx, []string{query})
		if err != nil {
			return nil, err
		}
		queryVec = vecs[0]
	}

	pool, err := e.gather(ctx, w, scope, query, queryVec, limit*poolFactor, preds)
	if err != nil {
		return nil, err
	}
	return fuse(pool, w.normalized(), limit), nil
}

// FindSimilar ranks creators similar to a known account. The anchor's stored
// profile vector is compared against both candidate facets, its biography
// drives the keyword facet, and the anchor itself is removed from results.
func (e *Engine) FindSimilar(ctx context.Context, account string, limit int) ([]model.CanonicalProfile, error) {
	anchor, err := e.LookupByUsername(ctx, account)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	anchorVec, err := e.index.Vector(ctx, anchor.LanceID, FacetProfile)
	if err != nil {
		return nil, eris.Wrapf(err, "search: anchor vector for %s", account)
	}

	w := similarWeights
	if strings.TrimSpace(anchor.Biography) == "" {
		w.kw = 0
	}

	pool, err := e.gather(ctx, w, model.ScopeBioPosts, anchor.Biography, anchorVec, (limit+1)*poolFactor, nil)
	if err != nil {
		return nil, err
	}

	anchorKey := anchor.HandleKey()
	for key := range pool {
		if key == anchorKey || (anchor.LanceID != "" && key == anchor.LanceID) {
			delete(pool, key)
		}
	}
	return fuse(pool, w.normalized(), limit), nil
}

// SearchCategory runs a hybrid search seeded by a category keyword.
func (e *Engine) SearchCategory(ctx context.Context, req model.CategoryRequest) ([]model.CanonicalProfile, error) {
	category := strings.TrimSpace(req.Category)
	if category == "" {
		return nil, eris.New("search: category is required")
	}
	filters := req.Filters
	if filters.Category == "" {
		filters.Category = category
	}
	return e.Search(ctx, model.SearchRequest{
		Query:   category,
		Method:  model.SearchHybrid,
		Limit:   req.Limit,
		Filters: filters,
	})
}

// LookupByUsername finds one profile by handle, trying the raw and
// @-stripped forms.
func (e *Engine) LookupByUsername(ctx context.Context, username string) (*model.CanonicalProfile, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, eris.New("search: username is required")
	}
	profile, err := e.index.GetByUsername(ctx, strings.TrimPrefix(username, "@"))
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// DatasetSize reports how many profiles the index holds.
func (e *Engine) DatasetSize(ctx context.Context) (int, error) {
	return e.index.Count(ctx)
}

// LookupByURL finds one profile by its profile URL.
func (e *Engine) LookupByURL(ctx context.Context, url string) (*model.CanonicalProfile, error) {
	url = strings.TrimSpace(strings.TrimRight(url, "/"))
	if url == "" {
		return nil, eris.New("search: url is required")
	}
	return e.index.GetByURL(ctx, url)
}

func (e *Engine) gather(ctx context.Context, w weights, scope model.LexicalScope, query string, queryVec []float32, pool int, preds []Predicate) (map[string]*scored, error) {
	out := make(map[string]*scored)

	upsert := func(c Candidate) *scored {
		key := c.Profile.LanceID
		if key == "" {
			key = c.Profile.HandleKey()
		}
		s, ok := out[key]
		if !ok {
			s = &scored{profile: c.Profile}
			out[key] = s
		}
		return s
	}

	if w.kw > 0 {
		candidates, err := e.index.TextQuery(ctx, scope, query, pool, preds)
		if err != nil {
			return nil, eris.Wrap(err, "search: lexical query")
		}
		for _, c := range candidates {
			s := upsert(c)
			if c.RawScore > s.kwRaw {
				s.kwRaw = c.RawScore
			}
		}
	}

	for facet, weight := range map[Facet]float64{FacetProfile: w.profile, FacetPosts: w.posts} {
		if weight <= 0 {
			continue
		}
		candidates, err := e.index.VectorQuery(ctx, facet, queryVec, pool, preds)
		if err != nil {
			return nil, eris.Wrapf(err, "search: %s vector query", facet)
		}
		for _, c := range candidates {
			sim := 1 - c.Distance
			if sim < 0 {
				sim = 0
			}
			s := upsert(c)
			switch facet {
			case FacetProfile:
				if sim > s.prof {
					s.prof = sim
				}
			case FacetPosts:
				if sim > s.posts {
					s.posts = sim
				}
			}
		}
	}

	zap.L().Debug("candidate pool gathered", zap.Int("candidates", len(out)))
	return out, nil
}

// fuse combines per-facet scores with the normalized weights, sorts
// descending, and truncates.
func fuse(pool map[string]*scored, w weights, limit int) []model.CanonicalProfile {
	var maxKw float64
	for _, s := range pool {
		if s.kwRaw > maxKw {
			maxKw = s.kwRaw
		}
	}

	results := make([]model.CanonicalProfile, 0, len(pool))
	for _, s := range pool {
		kw := 0.0
		if maxKw > 0 {
			kw = s.kwRaw / maxKw
		}
		p := s.profile
		p.BM25 = kw
		p.ProfileSim = s.prof
		p.PostsSim = s.posts
		p.CombinedScore = w.kw*kw + w.profile*s.prof + w.posts*s.posts
		results = append(results, p)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CombinedScore > results[j].CombinedScore
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// predicates lowers API filters to index predicates; zero values drop out.
func predicates(f model.SearchFilters) []Predicate {
	var preds []Predicate
	if f.MinFollowers != nil {
		preds = append(preds, Predicate{Field: "followers", Op: OpGte, Value: *f.MinFollowers})
	}
	if f.MaxFollowers != nil {
		preds = append(preds, Predicate{Field: "followers", Op: OpLte, Value: *f.MaxFollowers})
	}
	if f.MinEngagement != nil {
		preds = append(preds, Predicate{Field: "engagement_rate", Op: OpGte, Value: *f.MinEngagement})
	}
	if f.MaxEngagement != nil {
		preds = append(preds, Predicate{Field: "engagement_rate", Op: OpLte, Value: *f.MaxEngagement})
	}
	if f.Location != "" {
		preds = append(preds, Predicate{Field: "location", Op: OpContains, Value: strings.ToLower(f.Location)})
	}
	if f.Category != "" {
		preds = append(preds, Predicate{Field: "category", Op: OpContains, Value: strings.ToLower(f.Category)})
	}
	if f.IsVerified != nil {
		preds = append(preds, Predicate{Field: "is_verified", Op: OpEq, Value: *f.IsVerified})
	}
	if f.IsBusinessAccount != nil {
		preds = append(preds, Predicate{Field: "is_business_account", Op: OpEq, Value: *f.IsBusinessAccount})
	}
	return preds
}
