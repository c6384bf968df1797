package vectorstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/ragd/internal/config"
)

var (
	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotFound indicates the requested vector store table does not exist
	ErrNotFound = errors.New("vector store not found")

	// ErrMalformedComment indicates a table comment that carries the sentinel
	// but cannot be parsed back into a store descriptor
	ErrMalformedComment = errors.New("malformed vector store comment")

	// ErrEmptyDocuments indicates empty or nil documents
	ErrEmptyDocuments = errors.New("empty or nil documents")

	// ErrNoObjectStore indicates the engine was built without object storage
	ErrNoObjectStore = errors.New("object storage not configured")
)

// commentPrefix marks a table comment as vector store metadata. Discovery
// only considers tables whose comment starts with this sentinel.
const commentPrefix = "GENAI: "

// nonWord matches every character that is not [A-Za-z0-9_].
var nonWord = regexp.MustCompile(`\W`)

// Store describes one vector store. The table name is derived from the
// remaining attributes, and everything except the table name round-trips
// through the table's metadata comment, which is the single source of
// truth for discovery.
type Store struct {
	Table          string                `json:"table,omitempty"`
	Alias          string                `json:"alias,omitempty"`
	Description    string                `json:"description,omitempty"`
	Model          string                `json:"model"`
	ChunkSize      int                   `json:"chunk_size"`
	ChunkOverlap   int                   `json:"chunk_overlap"`
	DistanceMetric config.DistanceMetric `json:"distance_metric"`
	IndexType      config.IndexType      `json:"index_type"`
}

// FromSettings builds the store descriptor a client's vector search
// settings point at.
func FromSettings(vs config.VectorSearchSettings) Store {
	s := Store{
		Alias:          vs.Alias,
		Model:          vs.Model,
		ChunkSize:      vs.ChunkSize,
		ChunkOverlap:   vs.ChunkOverlap,
		DistanceMetric: vs.DistanceMetric,
		IndexType:      vs.IndexType,
	}
	s.Table = s.TableName()
	return s
}

// Validate checks that the descriptor can name a table and drive an
// ingest.
func (s Store) Validate() error {
	if s.Model == "" {
		return fmt.Errorf("%w: embedding model required", ErrInvalidConfig)
	}
	if s.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive", ErrInvalidConfig)
	}
	if s.ChunkOverlap < 0 || s.ChunkOverlap >= s.ChunkSize {
		return fmt.Errorf("%w: chunk overlap must be in [0, chunk size)", ErrInvalidConfig)
	}
	if !s.DistanceMetric.Valid() {
		return fmt.Errorf("%w: unknown distance metric %q", ErrInvalidConfig, s.DistanceMetric)
	}
	if !s.IndexType.Valid() {
		return fmt.Errorf("%w: unknown index type %q", ErrInvalidConfig, s.IndexType)
	}
	return nil
}

// TableName derives the deterministic table name: the non-empty parts of
// (alias, model, chunk_size, chunk_overlap, distance_metric, index_type)
// joined with underscores, upper-cased, with every non-word character
// replaced by an underscore.
func (s Store) TableName() string {
	parts := make([]string, 0, 6)
	if s.Alias != "" {
		parts = append(parts, s.Alias)
	}
	parts = append(parts,
		s.Model,
		strconv.Itoa(s.ChunkSize),
		strconv.Itoa(s.ChunkOverlap),
		string(s.DistanceMetric),
		string(s.IndexType),
	)
	return nonWord.ReplaceAllString(strings.ToUpper(strings.Join(parts, "_")), "_")
}

// resolvedTable returns the live table name, deriving it when the
// descriptor was never given one.
func (s Store) resolvedTable() string {
	if s.Table != "" {
		return s.Table
	}
	return s.TableName()
}

// Comment renders the metadata comment written on the table after a merge.
// The table name is omitted from the payload; it is recovered from the
// catalog at discovery time.
func (s Store) Comment() (string, error) {
	payload := s
	payload.Table = ""
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding store comment: %w", err)
	}
	return commentPrefix + string(raw), nil
}

// ParseComment recovers a store descriptor from a table comment. The
// returned descriptor carries the given table name. Comments without the
// sentinel prefix, or whose payload does not decode into a usable
// descriptor, yield ErrMalformedComment.
func ParseComment(table, comment string) (Store, error) {
	payload, ok := strings.CutPrefix(comment, commentPrefix)
	if !ok {
		return Store{}, fmt.Errorf("%w: missing %q prefix on %s", ErrMalformedComment, commentPrefix, table)
	}
	var s Store
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return Store{}, fmt.Errorf("%w: %s: %v", ErrMalformedComment, table, err)
	}
	s.Table = table
	if s.Model == "" || !s.DistanceMetric.Valid() || !s.IndexType.Valid() {
		return Store{}, fmt.Errorf("%w: incomplete payload on %s", ErrMalformedComment, table)
	}
	return s, nil
}

// distanceOperator returns the pgvector operator used to order candidates
// for the metric. Every operator sorts ascending with the most similar
// row first.
func distanceOperator(m config.DistanceMetric) string {
	switch m {
	case config.MetricDot:
		return "<#>"
	case config.MetricEuclidean:
		return "<->"
	default:
		return "<=>"
	}
}

// operatorClass returns the pgvector operator class the metric's index is
// built with.
func operatorClass(m config.DistanceMetric) string {
	switch m {
	case config.MetricDot:
		return "vector_ip_ops"
	case config.MetricEuclidean:
		return "vector_l2_ops"
	default:
		return "vector_cosine_ops"
	}
}

// indexMethod returns the access method for the index type, or "" when no
// index is built (flat stores scan sequentially).
func indexMethod(t config.IndexType) string {
	switch t {
	case config.IndexHNSW:
		return "hnsw"
	case config.IndexIVF:
		return "ivfflat"
	default:
		return ""
	}
}

// indexName returns the deterministic name of the index built for the
// store, or "" for flat stores.
func indexName(table string, t config.IndexType) string {
	switch t {
	case config.IndexHNSW:
		return table + "_HNSW_IDX"
	case config.IndexIVF:
		return table + "_IVF_IDX"
	default:
		return ""
	}
}

// similarityFromDistance converts the raw value produced by the metric's
// distance operator into a similarity. Cosine distance d maps to 1 - d/2,
// landing in [0, 1]. The <#> operator returns the negated inner product,
// so dot similarity is -d. Euclidean distance maps to 1 / (1 + d).
func similarityFromDistance(m config.DistanceMetric, d float64) float64 {
	switch m {
	case config.MetricDot:
		return -d
	case config.MetricEuclidean:
		return 1 / (1 + d)
	default:
		return 1 - d/2
	}
}
