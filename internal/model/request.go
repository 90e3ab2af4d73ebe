package model

// SearchMethod selects how the search engine scores candidates.
type SearchMethod string

const (
	SearchLexical  SearchMethod = "lexical"
	SearchSemantic SearchMethod = "semantic"
	SearchHybrid   SearchMethod = "hybrid"
)

// LexicalScope controls which text columns a lexical query runs against.
type LexicalScope string

const (
	ScopeBio      LexicalScope = "bio"
	ScopeBioPosts LexicalScope = "bio_posts"
)

// SearchFilters narrow a search result set. Zero values mean "no constraint".
type SearchFilters struct {
	MinFollowers      *int64   `json:"min_followers,omitempty"`
	MaxFollowers      *int64   `json:"max_followers,omitempty"`
	MinEngagement     *float64 `json:"min_engagement,omitempty"`
	MaxEngagement     *float64 `json:"max_engagement,omitempty"`
	Location          string   `json:"location,omitempty"`
	Category          string   `json:"category,omitempty"`
	IsVerified        *bool    `json:"is_verified,omitempty"`
	IsBusinessAccount *bool    `json:"is_business_account,omitempty"`
}

// SearchRequest is the C5 query contract.
type SearchRequest struct {
	Query        string        `json:"query"`
	Method       SearchMethod  `json:"method,omitempty"`
	Limit        int           `json:"limit,omitempty"`
	Filters      SearchFilters `json:"filters,omitempty"`
	LexicalScope LexicalScope  `json:"lexical_scope,omitempty"`
}

// SimilarRequest asks for creators similar to a known account.
type SimilarRequest struct {
	Account string `json:"account"`
	Limit   int    `json:"limit,omitempty"`
}

// CategoryRequest searches within a category keyword.
type CategoryRequest struct {
	Category string        `json:"category"`
	Limit    int           `json:"limit,omitempty"`
	Filters  SearchFilters `json:"filters,omitempty"`
}

// RerankMode selects the document built per profile for the reranker.
type RerankMode string

const (
	RerankBio      RerankMode = "bio"
	RerankPosts    RerankMode = "posts"
	RerankBioPosts RerankMode = "bio+posts"
)

// PipelineRequest drives the staged discovery pipeline (C6).
type PipelineRequest struct {
	Search SearchRequest `json:"search"`

	RunRerank   bool       `json:"run_rerank,omitempty"`
	RerankTopK  int        `json:"rerank_top_k,omitempty"`
	RerankMode  RerankMode `json:"rerank_mode,omitempty"`

	RunBrightData bool `json:"run_brightdata,omitempty"`

	RunLLM           bool   `json:"run_llm,omitempty"`
	BusinessFitQuery string `json:"business_fit_query,omitempty"`
	MaxPosts         int    `json:"max_posts,omitempty"`
	Model            string `json:"model,omitempty"`
	Verbosity        string `json:"verbosity,omitempty"`
	Concurrency      int    `json:"concurrency,omitempty"`

	MaxProfiles int `json:"max_profiles,omitempty"`
}

// RefreshRequest is a profiles-only vendor refresh job payload.
type RefreshRequest struct {
	Profiles []ProfileHandle `json:"profiles"`
}

// FitRequest is a profiles-only fit-scoring job payload.
type FitRequest struct {
	Profiles         []CanonicalProfile `json:"profiles"`
	BusinessFitQuery string             `json:"business_fit_query"`
	MaxPosts         int                `json:"max_posts,omitempty"`
	Model            string             `json:"model,omitempty"`
	Concurrency      int                `json:"concurrency,omitempty"`
}
