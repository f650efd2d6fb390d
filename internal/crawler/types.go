package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Column names a persisted catalog attribute.
type Column string

// Catalog columns across all schema variants.
const (
	ColProductID         Column = "product_id"
	ColBrand             Column = "brand"
	ColCategory          Column = "category"
	ColModelName         Column = "model_name"
	ColColor             Column = "color"
	ColGender            Column = "gender"
	ColPrice             Column = "price"
	ColDiscount          Column = "discount"
	ColSizes             Column = "sizes"
	ColImageURL          Column = "image_url"
	ColImageSide         Column = "image_side_url"
	ColImageTop          Column = "image_top_url"
	ColImageThreeQuarter Column = "image_34_url"
)

// ImageSet holds every image slot a schema variant may persist.
type ImageSet struct {
	URL          *string
	Side         *string
	Top          *string
	ThreeQuarter *string
}

// ProductRecord is the unit of work and storage. A nil field means the value
// is unknown; an empty string means it is known to be absent.
type ProductRecord struct {
	ProductID string
	Brand     *string
	Category  *string
	ModelName *string
	Color     *string
	Gender    *string
	Price     *string
	Discount  *string
	Sizes     *string
	Images    ImageSet
}

// Field returns the value stored for col. ColProductID is never nil.
func (r ProductRecord) Field(col Column) *string {
	switch col {
	case ColProductID:
		id := r.ProductID
		return &id
	case ColBrand:
		return r.Brand
	case ColCategory:
		return r.Category
	case ColModelName:
		return r.ModelName
	case ColColor:
		return r.Color
	case ColGender:
		return r.Gender
	case ColPrice:
		return r.Price
	case ColDiscount:
		return r.Discount
	case ColSizes:
		return r.Sizes
	case ColImageURL:
		return r.Images.URL
	case ColImageSide:
		return r.Images.Side
	case ColImageTop:
		return r.Images.Top
	case ColImageThreeQuarter:
		return r.Images.ThreeQuarter
	default:
		return nil
	}
}

// SetField assigns v to col. Setting ColProductID to nil clears the id.
func (r *ProductRecord) SetField(col Column, v *string) {
	switch col {
	case ColProductID:
		r.ProductID = ""
		if v != nil {
			r.ProductID = *v
		}
	case ColBrand:
		r.Brand = v
	case ColCategory:
		r.Category = v
	case ColModelName:
		r.ModelName = v
	case ColColor:
		r.Color = v
	case ColGender:
		r.Gender = v
	case ColPrice:
		r.Price = v
	case ColDiscount:
		r.Discount = v
	case ColSizes:
		r.Sizes = v
	case ColImageURL:
		r.Images.URL = v
	case ColImageSide:
		r.Images.Side = v
	case ColImageTop:
		r.Images.Top = v
	case ColImageThreeQuarter:
		r.Images.ThreeQuarter = v
	}
}

// StringPtr returns a pointer to a copy of s.
func StringPtr(s string) *string {
	return &s
}

// ColumnSpec pairs a column with its export header label.
type ColumnSpec struct {
	Name   Column
	Header string
}

// Schema describes one versioned catalog table layout.
type Schema struct {
	Name    string
	Version int
	Columns []ColumnSpec
	// Thumbnail is the column that receives the listing card image.
	Thumbnail Column
}

// Schema variants. SingleImageSchema keeps one image and the size list;
// MultiImageSchema keeps three image angles and gender.
var (
	SingleImageSchema = Schema{
		Name:    "single",
		Version: 1,
		Columns: []ColumnSpec{
			{Name: ColProductID, Header: "Product ID"},
			{Name: ColBrand, Header: "Brand"},
			{Name: ColCategory, Header: "Category"},
			{Name: ColModelName, Header: "Model Name"},
			{Name: ColColor, Header: "Color"},
			{Name: ColPrice, Header: "Price"},
			{Name: ColDiscount, Header: "Discount"},
			{Name: ColImageURL, Header: "Image URL"},
			{Name: ColSizes, Header: "Sizes"},
		},
		Thumbnail: ColImageURL,
	}
	MultiImageSchema = Schema{
		Name:    "multi",
		Version: 2,
		Columns: []ColumnSpec{
			{Name: ColProductID, Header: "Product ID"},
			{Name: ColBrand, Header: "Brand"},
			{Name: ColCategory, Header: "Category"},
			{Name: ColModelName, Header: "Model Name"},
			{Name: ColColor, Header: "Color"},
			{Name: ColPrice, Header: "Price"},
			{Name: ColDiscount, Header: "Discount"},
			{Name: ColImageSide, Header: "Image Side URL"},
			{Name: ColImageTop, Header: "Image Top URL"},
			{Name: ColImageThreeQuarter, Header: "Image 3/4 URL"},
			{Name: ColGender, Header: "Gender"},
		},
		Thumbnail: ColImageSide,
	}
)

// SchemaByName resolves a configured schema variant.
func SchemaByName(name string) (Schema, error) {
	switch name {
	case SingleImageSchema.Name:
		return SingleImageSchema, nil
	case MultiImageSchema.Name, "":
		return MultiImageSchema, nil
	default:
		return Schema{}, fmt.Errorf("unknown schema variant %q", name)
	}
}

// Validate checks the descriptor is usable as a keyed table.
func (s Schema) Validate() error {
	if s.Version <= 0 {
		return errors.New("schema version must be > 0")
	}
	if len(s.Columns) < 2 || s.Columns[0].Name != ColProductID {
		return errors.New("schema must start with product_id and have at least one attribute")
	}
	seen := make(map[Column]struct{}, len(s.Columns))
	thumb := false
	for _, c := range s.Columns {
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.Name == s.Thumbnail {
			thumb = true
		}
	}
	if !thumb {
		return fmt.Errorf("thumbnail column %q is not part of the schema", s.Thumbnail)
	}
	return nil
}

// Names returns the column names in declaration order.
func (s Schema) Names() []Column {
	out := make([]Column, 0, len(s.Columns))
	for _, c := range s.Columns {
		out = append(out, c.Name)
	}
	return out
}

// Headers returns the export header labels in declaration order.
func (s Schema) Headers() []string {
	out := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		out = append(out, c.Header)
	}
	return out
}

// Attributes returns every column except the primary key.
func (s Schema) Attributes() []Column {
	return s.Names()[1:]
}

// Stub builds the listing-time record for a product card.
func (s Schema) Stub(productID, thumbnail string) ProductRecord {
	rec := ProductRecord{ProductID: productID}
	if thumbnail != "" {
		rec.SetField(s.Thumbnail, StringPtr(thumbnail))
	}
	return rec
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	RunID   [16]byte
	URL     string
	Headers http.Header
	// MaxAttempts bounds the attempt budget; zero uses the fetcher default.
	MaxAttempts int
	// Component labels emitted events (listing or detail).
	Component string
	// ProductID tags detail fetch events with the product being enriched.
	ProductID string
}

// FetchResponse is the result of a single HTTP attempt.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// FetchResult is the outcome of a retried fetch.
type FetchResult struct {
	Body       []byte
	StatusCode int
	Attempts   int
	// Skipped is set when a terminal status was absorbed under FailureModeSkip.
	Skipped bool
}

// Listing is the structured content of one listing page.
type Listing struct {
	// Products maps product id to thumbnail URL.
	Products map[string]string
	// Order keeps product ids in card order.
	Order     []string
	PageCount int
}

// Summary reports what a run did. Counts are never suppressed on partial failure.
type Summary struct {
	RunID            string
	Pages            int
	PagesFailed      int
	PagesSkipped     int
	PagesEmpty       int
	Products         int
	Duplicates       int
	DetailsFailed    int
	DetailsMalformed int
	DetailsSkipped   int
	DetailsCanceled  int
	Batches          int
	BatchesFailed    int
	Rows             int
	Exported         bool
	ExportURI        string
	Canceled         bool
	Duration         time.Duration
}
