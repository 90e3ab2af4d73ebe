// Package search scores creator profiles against queries using lexical,
// semantic, and hybrid retrieval over the profile vector index.
package search

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/dime-ai/discovery/internal/model"
)

// ErrProfileNotFound is returned by lookups that match nothing.
var ErrProfileNotFound = eris.New("profile not found")

// Facet names one of the embedding columns stored per profile.
type Facet string

const (
	FacetProfile Facet = "profile"
	FacetPosts   Facet = "posts"
)

// Op is a filter predicate operator.
type Op string

const (
	OpEq       Op = "eq"
	OpGte      Op = "gte"
	OpLte      Op = "lte"
	OpContains Op = "contains"
)

// Predicate is one filter condition pushed down to the index.
type Predicate struct {
	Field string
	Op    Op
	Value any
}

// Candidate is one raw index hit. Distance is set for vector queries,
// RawScore for full-text queries.
type Candidate struct {
	Profile  model.CanonicalProfile
	Distance float64
	RawScore float64
}

// Index is the vector store contract the engine runs against.
type Index interface {
	// VectorQuery returns the nearest candidates to vector on the facet.
	VectorQuery(ctx context.Context, facet Facet, vector []float32, limit int, preds []Predicate) ([]Candidate, error)

	// TextQuery runs a full-text query over the given scope.
	TextQuery(ctx context.Context, scope model.LexicalScope, query string, limit int, preds []Predicate) ([]Candidate, error)

	// GetByUsername returns the profile for a username, ErrProfileNotFound on miss.
	GetByUsername(ctx context.Context, username string) (*model.CanonicalProfile, error)

	// GetByURL returns the profile for a profile URL, ErrProfileNotFound on miss.
	GetByURL(ctx context.Context, url string) (*model.CanonicalProfile, error)

	// Vector returns the stored embedding for a profile id and facet.
	Vector(ctx context.Context, lanceID string, facet Facet) ([]float32, error)

	// Count returns the number of indexed profiles.
	Count(ctx context.Context) (int, error)
}
