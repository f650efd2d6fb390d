package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/storefront-catalog/internal/crawler"
)

var requiredDetailKeys = []string{"id", "name", "color", "price"}

// Detail implements crawler.DetailParser for the product JSON endpoint.
type Detail struct{}

// NewDetail returns a Detail extractor.
func NewDetail() *Detail {
	return &Detail{}
}

// ParseDetail maps payload keys onto a ProductRecord.
//
// id, name, color and price are required; a missing or null one fails with
// crawler.ErrMalformedPayload. salePrice and image.url default to "" when
// absent. sizes is joined with ", ". brand, category and gender are read from
// the top level or from attribute_list and stay nil when absent.
func (Detail) ParseDetail(body []byte) (crawler.ProductRecord, error) {
	var payload map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return crawler.ProductRecord{}, fmt.Errorf("%w: decode detail: %w", crawler.ErrMalformedPayload, err)
	}
	if payload == nil {
		return crawler.ProductRecord{}, fmt.Errorf("%w: detail payload is null", crawler.ErrMalformedPayload)
	}

	required := make(map[string]string, len(requiredDetailKeys))
	var missing []string
	for _, key := range requiredDetailKeys {
		v, ok, err := displayString(payload[key])
		if err != nil {
			return crawler.ProductRecord{}, fmt.Errorf("%w: key %s: %w", crawler.ErrMalformedPayload, key, err)
		}
		if !ok {
			missing = append(missing, key)
			continue
		}
		required[key] = v
	}
	if len(missing) > 0 {
		return crawler.ProductRecord{}, fmt.Errorf("%w: missing required keys %s", crawler.ErrMalformedPayload, strings.Join(missing, ", "))
	}
	if required["id"] == "" {
		return crawler.ProductRecord{}, fmt.Errorf("%w: empty id", crawler.ErrMalformedPayload)
	}

	rec := crawler.ProductRecord{
		ProductID: required["id"],
		ModelName: crawler.StringPtr(required["name"]),
		Color:     crawler.StringPtr(required["color"]),
		Price:     crawler.StringPtr(required["price"]),
	}

	discount, _, err := displayString(payload["salePrice"])
	if err != nil {
		return crawler.ProductRecord{}, fmt.Errorf("%w: key salePrice: %w", crawler.ErrMalformedPayload, err)
	}
	rec.Discount = crawler.StringPtr(discount)
	rec.Images.URL = crawler.StringPtr(imageURL(payload["image"]))

	attrs := attributeList(payload["attribute_list"])
	rec.Brand = optionalAttr(payload, attrs, "brand")
	rec.Category = optionalAttr(payload, attrs, "category")
	rec.Gender = optionalAttr(payload, attrs, "gender")

	sizes, err := joinSizes(payload["sizes"])
	if err != nil {
		return crawler.ProductRecord{}, fmt.Errorf("%w: key sizes: %w", crawler.ErrMalformedPayload, err)
	}
	rec.Sizes = sizes
	return rec, nil
}

// displayString renders a JSON string or number as text. ok is false when the
// value is absent or null.
func displayString(raw json.RawMessage) (string, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", false, fmt.Errorf("decode value: %w", err)
	}
	switch t := v.(type) {
	case string:
		return t, true, nil
	case json.Number:
		return t.String(), true, nil
	case bool:
		return fmt.Sprint(t), true, nil
	default:
		return "", false, fmt.Errorf("expected string or number, got %T", v)
	}
}

func imageURL(raw json.RawMessage) string {
	var img struct {
		URL string `json:"url"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &img) != nil {
		return ""
	}
	return img.URL
}

func attributeList(raw json.RawMessage) map[string]json.RawMessage {
	var attrs map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &attrs) != nil {
		return nil
	}
	return attrs
}

func optionalAttr(payload, attrs map[string]json.RawMessage, key string) *string {
	for _, src := range []map[string]json.RawMessage{payload, attrs} {
		if v, ok, err := displayString(src[key]); err == nil && ok {
			return crawler.StringPtr(v)
		}
	}
	return nil
}

func joinSizes(raw json.RawMessage) (*string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("sizes must be a list: %w", err)
	}
	labels := make([]string, 0, len(items))
	for _, item := range items {
		var label string
		if err := json.Unmarshal(item, &label); err == nil {
			labels = append(labels, label)
			continue
		}
		var obj struct {
			Size string `json:"size"`
		}
		if err := json.Unmarshal(item, &obj); err != nil || obj.Size == "" {
			return nil, fmt.Errorf("unsupported size entry %s", string(item))
		}
		labels = append(labels, obj.Size)
	}
	joined := strings.Join(labels, ", ")
	return &joined, nil
}
