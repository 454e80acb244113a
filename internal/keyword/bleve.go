package keyword

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/visionquery/internal/models"
)

// BleveIndex implements KeywordIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

// imageDoc is the indexed form of an image record.
type imageDoc struct {
	Filename       string `json:"filename"`
	Classification string `json:"classification"`
	UserID         string `json:"user_id"`
}

var filenameSeparators = strings.NewReplacer("_", " ", "-", " ", ".", " ")

func newImageDoc(img *models.Image) imageDoc {
	return imageDoc{
		Filename:       filenameSeparators.Replace(img.Filename),
		Classification: img.Classification,
		UserID:         strconv.FormatInt(img.UserID, 10),
	}
}

func buildMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer: lowercase + tokenize, no stemming.
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("filename", textFieldMapping)
	docMapping.AddFieldMappingsAt("classification", textFieldMapping)
	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("user_id", keywordFieldMapping)
	im.AddDocumentMapping("image", docMapping)
	im.DefaultType = "image"
	im.DefaultMapping = docMapping
	return im
}

// NewBleveIndex creates or opens a Bleve index at path. An empty path creates an in-memory index.
// If you change the index mapping in code, remove the index directory and reconcile to rebuild it.
func NewBleveIndex(path string) (*BleveIndex, error) {
	im := buildMapping()
	if path == "" {
		index, err := bleve.NewMemOnly(im)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

func docID(imageID int64) string {
	return strconv.FormatInt(imageID, 10)
}

// Index indexes or replaces an image's metadata.
func (b *BleveIndex) Index(ctx context.Context, img *models.Image) error {
	return b.index.Index(docID(img.ID), newImageDoc(img))
}

// Search returns up to limit of userID's images whose filename or label matches query,
// skipping opts.Offset ranked hits.
func (b *BleveIndex) Search(ctx context.Context, userID int64, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error) {
	filenameBoost := 1.0
	fuzzyEnabled := false
	fuzziness := 1
	offset := 0
	if opts != nil {
		if opts.Offset > 0 {
			offset = opts.Offset
		}
		if opts.FilenameBoost > 0 {
			filenameBoost = opts.FilenameBoost
		}
		fuzzyEnabled = opts.FuzzyEnabled
		if opts.Fuzziness > 0 {
			fuzziness = opts.Fuzziness
		}
	}
	if limit <= 0 {
		limit = 20
	}
	terms := tokenizeQuery(query)
	if len(terms) == 0 {
		return []*KeywordResult{}, nil
	}

	owner := bleve.NewTermQuery(strconv.FormatInt(userID, 10))
	owner.SetField("user_id")

	filename := b.fieldQuery(terms, "filename", fuzzyEnabled, fuzziness)
	filename.SetBoost(filenameBoost)
	label := b.fieldQuery(terms, "classification", fuzzyEnabled, fuzziness)

	q := bleve.NewConjunctionQuery(owner, bleve.NewDisjunctionQuery(filename, label))
	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.From = offset
	results, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*KeywordResult, 0, len(results.Hits))
	for _, hit := range results.Hits {
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, &KeywordResult{ImageID: id, Score: hit.Score})
	}
	return out, nil
}

// boostableQuery is a query whose boost can be set.
type boostableQuery interface {
	blevequery.Query
	SetBoost(b float64)
}

// fieldQuery matches any of terms in field, exactly or within fuzziness edits.
func (b *BleveIndex) fieldQuery(terms []string, field string, fuzzyEnabled bool, fuzziness int) boostableQuery {
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		if fuzzyEnabled {
			fq := bleve.NewFuzzyQuery(term)
			fq.SetFuzziness(fuzziness)
			fq.SetField(field)
			queries = append(queries, fq)
			continue
		}
		mq := bleve.NewMatchQuery(term)
		mq.SetField(field)
		queries = append(queries, mq)
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// tokenizeQuery splits query into lowercase terms, treating filename separators as spaces.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(filenameSeparators.Replace(query)))
}

// Delete removes an image from the index.
func (b *BleveIndex) Delete(ctx context.Context, imageID int64) error {
	return b.index.Delete(docID(imageID))
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

// DocCount returns the total number of images in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}
