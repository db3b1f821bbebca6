// Package encoding maps categorical feature values to the integer codes
// the classifier was trained with.
package encoding

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrDuplicateField is returned when two field names differ only in case.
var ErrDuplicateField = errors.New("field name collides")

// LabelEncoder is one fitted field encoder. Code = index into Classes.
type LabelEncoder struct {
	classes []string
	index   map[string]int
}

// NewLabelEncoder builds an encoder over classes in the given order.
func NewLabelEncoder(classes []string) (*LabelEncoder, error) {
	index := make(map[string]int, len(classes))
	for i, c := range classes {
		if _, dup := index[c]; dup {
			return nil, fmt.Errorf("duplicate class %q", c)
		}
		index[c] = i
	}
	return &LabelEncoder{
		classes: append([]string(nil), classes...),
		index:   index,
	}, nil
}

// Fit builds an encoder the way the training pipeline does: distinct
// values in sorted order.
func Fit(values []string) *LabelEncoder {
	seen := make(map[string]struct{}, len(values))
	classes := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			classes = append(classes, v)
		}
	}
	sort.Strings(classes)

	enc, _ := NewLabelEncoder(classes)
	return enc
}

// Classes returns the fitted classes in code order.
func (e *LabelEncoder) Classes() []string {
	return append([]string(nil), e.classes...)
}

// Code returns the code of value and whether it was seen at fit time.
func (e *LabelEncoder) Code(value string) (int, bool) {
	code, ok := e.index[value]
	return code, ok
}

// Options controls how a Table treats unseen values.
type Options struct {
	Policy     domain.UnseenPolicy
	UnseenCode int
}

// DefaultOptions maps unseen values to -1.
func DefaultOptions() Options {
	return Options{Policy: domain.UnseenMap, UnseenCode: -1}
}

// Table is the immutable set of fitted encoders keyed by lower-case field
// name. Safe for concurrent use.
type Table struct {
	encoders map[string]*LabelEncoder
	opts     Options
}

// NewTable builds a table from field name to ordered classes.
func NewTable(fields map[string][]string, opts Options) (*Table, error) {
	switch opts.Policy {
	case "":
		opts.Policy = domain.UnseenMap
	case domain.UnseenMap, domain.UnseenReject:
	default:
		return nil, fmt.Errorf("unknown unseen policy: %s", opts.Policy)
	}

	t := &Table{
		encoders: make(map[string]*LabelEncoder, len(fields)),
		opts:     opts,
	}
	seen := make(map[string]string, len(fields))
	for field, classes := range fields {
		key := strings.ToLower(field)
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("encoder %s: %w with %s", field, ErrDuplicateField, prev)
		}
		seen[key] = field

		enc, err := NewLabelEncoder(classes)
		if err != nil {
			return nil, fmt.Errorf("encoder %s: %w", field, err)
		}
		t.encoders[key] = enc
	}
	return t, nil
}

// artifact is the on-disk encoder format exported by the training pipeline.
type artifact struct {
	Fields map[string][]string `json:"fields"`
}

// Load reads an encoder artifact from path.
func Load(path string, opts Options) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read encoders: %w", err)
	}

	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse encoders %s: %w", path, err)
	}
	if len(a.Fields) == 0 {
		return nil, fmt.Errorf("encoders %s: no fields", path)
	}

	return NewTable(a.Fields, opts)
}

// Save writes fields in the artifact format Load reads.
func Save(path string, fields map[string][]string) error {
	data, err := json.MarshalIndent(artifact{Fields: fields}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal encoders: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Encode returns the code for value in field.
func (t *Table) Encode(field, value string) (int, error) {
	enc, ok := t.encoders[strings.ToLower(field)]
	if !ok {
		return 0, &domain.MissingEncoderError{Field: field}
	}

	code, ok := enc.Code(value)
	if ok {
		return code, nil
	}

	if t.opts.Policy == domain.UnseenReject {
		return 0, &domain.UnknownCategoryError{Field: field, Value: value}
	}
	return t.opts.UnseenCode, nil
}

// EncodeAll encodes the categorical fields of fs in CategoricalFields
// order. The first failure aborts.
func (t *Table) EncodeAll(fs domain.FeatureSet) (domain.EncodedCategories, error) {
	var codes domain.EncodedCategories
	for _, field := range domain.CategoricalFields {
		value, _ := fs.Categorical(field)
		code, err := t.Encode(field, value)
		if err != nil {
			return domain.EncodedCategories{}, err
		}

		switch field {
		case domain.ColTransactionType:
			codes.TransactionType = code
		case domain.ColLocation:
			codes.Location = code
		case domain.ColDeviceType:
			codes.DeviceType = code
		case domain.ColPaymentMethod:
			codes.PaymentMethod = code
		}
	}
	return codes, nil
}

// Fields returns the registered field names, sorted.
func (t *Table) Fields() []string {
	names := make([]string, 0, len(t.encoders))
	for name := range t.encoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
