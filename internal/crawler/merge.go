package crawler

import "fmt"

// MergePolicy decides which side wins when both stored and incoming values are non-null.
type MergePolicy string

// Supported merge directions.
const (
	// IncomingWins applies COALESCE(incoming, stored).
	IncomingWins MergePolicy = "incoming_wins"
	// StoredWins applies COALESCE(stored, incoming).
	StoredWins MergePolicy = "stored_wins"
)

// ParseMergePolicy resolves a configured merge direction.
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch MergePolicy(s) {
	case IncomingWins, "":
		return IncomingWins, nil
	case StoredWins:
		return StoredWins, nil
	default:
		return "", fmt.Errorf("unknown merge policy %q", s)
	}
}

// Coalesce returns the first non-nil argument.
func Coalesce(values ...*string) *string {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// MergeFields combines a stored record with an incoming observation of the
// same product field by field. Null never clobbers a populated value.
func MergeFields(stored, incoming ProductRecord, policy MergePolicy) ProductRecord {
	out := ProductRecord{ProductID: stored.ProductID}
	if out.ProductID == "" {
		out.ProductID = incoming.ProductID
	}
	for _, col := range allAttributes {
		a, b := incoming.Field(col), stored.Field(col)
		if policy == StoredWins {
			a, b = b, a
		}
		out.SetField(col, Coalesce(a, b))
	}
	return out
}

// MergeDetail folds a detail record into its listing stub. Every detail field
// supersedes the stub except the images, which keep their listing-time values.
func MergeDetail(stub, detail ProductRecord) ProductRecord {
	out := detail
	out.ProductID = stub.ProductID
	out.Images = stub.Images
	return out
}

// CollapseBatch folds records sharing a product id, in order, so each id
// appears once. The first occurrence keeps its position.
func CollapseBatch(records []ProductRecord, policy MergePolicy) []ProductRecord {
	if len(records) < 2 {
		return records
	}
	index := make(map[string]int, len(records))
	out := make([]ProductRecord, 0, len(records))
	for _, rec := range records {
		if i, ok := index[rec.ProductID]; ok {
			out[i] = MergeFields(out[i], rec, policy)
			continue
		}
		index[rec.ProductID] = len(out)
		out = append(out, rec)
	}
	return out
}

var allAttributes = []Column{
	ColBrand, ColCategory, ColModelName, ColColor, ColGender, ColPrice,
	ColDiscount, ColSizes, ColImageURL, ColImageSide, ColImageTop, ColImageThreeQuarter,
}
