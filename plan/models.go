package plan

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/period"
	"github.com/xraph/entitle/types"
)

// ErrInvalid is wrapped by every validation failure reported by this package.
var ErrInvalid = errors.New("plan: invalid")

// Plan is a purchasable bundle of features billed on a fixed cadence.
type Plan struct {
	types.Entity
	ID          id.PlanID         `json:"id"`
	Name        string            `json:"name" validate:"required,max=255"`
	Slug        string            `json:"slug" validate:"required,max=100"`
	Description string            `json:"description,omitempty"`
	Price       decimal.Decimal   `json:"price"`
	Currency    string            `json:"currency" validate:"required,len=3"`
	Cadence     period.Cadence    `json:"cadence" validate:"required,oneof=weekly monthly quarterly yearly"`
	TrialDays   int               `json:"trial_days" validate:"gte=0"`
	Active      bool              `json:"active"`
	Popular     bool              `json:"popular"`
	SortOrder   int               `json:"sort_order"`
	Features    []Feature         `json:"features" validate:"dive"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// FeatureType tags how a feature's limit is interpreted.
type FeatureType string

const (
	FeatureBoolean FeatureType = "boolean"
	FeatureNumeric FeatureType = "numeric"
	FeatureText    FeatureType = "text"
)

// Valid reports whether t is a known feature type.
func (t FeatureType) Valid() bool {
	switch t {
	case FeatureBoolean, FeatureNumeric, FeatureText:
		return true
	}
	return false
}

// Feature is a single grant within a plan. Exactly one of Limit, Enabled or
// Text carries the raw value, depending on Type.
type Feature struct {
	ID          id.FeatureID      `json:"id"`
	Key         string            `json:"key" validate:"required,max=100"`
	Name        string            `json:"name" validate:"required"`
	Description string            `json:"description,omitempty"`
	Type        FeatureType       `json:"type" validate:"required,oneof=boolean numeric text"`
	Limit       *int64            `json:"limit,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	Text        string            `json:"text,omitempty"`
	Unlimited   bool              `json:"unlimited"`
	SortOrder   int               `json:"sort_order"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// LimitKind discriminates the variants of Limit.
type LimitKind int

const (
	LimitUnlimited LimitKind = iota
	LimitNumeric
	LimitBoolean
	LimitText
)

// Limit is the typed value of a feature's limit.
type Limit struct {
	Kind   LimitKind
	Number int64
	Bool   bool
	Text   string
}

// NumericFeature builds a numeric feature with a finite limit.
func NumericFeature(key, name string, limit int64) Feature {
	return Feature{Key: key, Name: name, Type: FeatureNumeric, Limit: &limit}
}

// UnlimitedFeature builds a numeric feature without a limit.
func UnlimitedFeature(key, name string) Feature {
	return Feature{Key: key, Name: name, Type: FeatureNumeric, Unlimited: true}
}

// BooleanFeature builds an on/off feature.
func BooleanFeature(key, name string, enabled bool) Feature {
	return Feature{Key: key, Name: name, Type: FeatureBoolean, Enabled: &enabled}
}

// TextFeature builds a feature carrying a free-form value.
func TextFeature(key, name, value string) Feature {
	return Feature{Key: key, Name: name, Type: FeatureText, Text: value}
}

// TypedLimit returns the feature's limit as a tagged value.
func (f *Feature) TypedLimit() Limit {
	if f.Unlimited {
		return Limit{Kind: LimitUnlimited}
	}
	switch f.Type {
	case FeatureNumeric:
		return Limit{Kind: LimitNumeric, Number: f.NumericLimit()}
	case FeatureBoolean:
		return Limit{Kind: LimitBoolean, Bool: f.Enabled != nil && *f.Enabled}
	default:
		return Limit{Kind: LimitText, Text: f.Text}
	}
}

// NumericLimit returns the finite limit of a numeric feature, or -1 when the
// feature is unlimited. A missing limit reads as 0 (disabled).
func (f *Feature) NumericLimit() int64 {
	if f.Unlimited {
		return -1
	}
	if f.Limit == nil || *f.Limit < 0 {
		return 0
	}
	return *f.Limit
}

// HumanLimit renders the limit for display: "Unlimited", "10,000", "Yes".
func (f *Feature) HumanLimit() string {
	l := f.TypedLimit()
	switch l.Kind {
	case LimitUnlimited:
		return "Unlimited"
	case LimitNumeric:
		return formatThousands(l.Number)
	case LimitBoolean:
		if l.Bool {
			return "Yes"
		}
		return "No"
	default:
		return l.Text
	}
}

// IsEnabled reports whether the feature grants anything at all.
func (f *Feature) IsEnabled() bool {
	l := f.TypedLimit()
	switch l.Kind {
	case LimitUnlimited:
		return true
	case LimitNumeric:
		return l.Number > 0
	case LimitBoolean:
		return l.Bool
	default:
		return l.Text != ""
	}
}

// IsMetered reports whether usage of the feature is counted per period.
func (f *Feature) IsMetered() bool { return f.Type == FeatureNumeric }

// Validate checks the feature's limit against its type.
func (f *Feature) Validate() error {
	if strings.TrimSpace(f.Key) == "" {
		return fmt.Errorf("%w: feature key is required", ErrInvalid)
	}
	if !f.Type.Valid() {
		return fmt.Errorf("%w: feature %q has unknown type %q", ErrInvalid, f.Key, f.Type)
	}
	if f.Type == FeatureNumeric && !f.Unlimited {
		if f.Limit == nil {
			return fmt.Errorf("%w: numeric feature %q needs a limit or unlimited", ErrInvalid, f.Key)
		}
		if *f.Limit < 0 {
			return fmt.Errorf("%w: numeric feature %q has negative limit %d", ErrInvalid, f.Key, *f.Limit)
		}
	}
	if f.Unlimited && f.Type != FeatureNumeric {
		return fmt.Errorf("%w: only numeric features can be unlimited (%q)", ErrInvalid, f.Key)
	}
	return nil
}

// FindFeature returns the feature with the given key, or nil.
func (p *Plan) FindFeature(key string) *Feature {
	for i := range p.Features {
		if p.Features[i].Key == key {
			return &p.Features[i]
		}
	}
	return nil
}

// Grants reports whether the plan carries an enabled feature with key.
func (p *Plan) Grants(key string) bool {
	f := p.FindFeature(key)
	return f != nil && f.IsEnabled()
}

// HasTrial reports whether the plan offers a trial.
func (p *Plan) HasTrial() bool { return p.TrialDays > 0 }

// SortedFeatures returns a copy of the features ordered by sort order, then key.
func (p *Plan) SortedFeatures() []Feature {
	out := make([]Feature, len(p.Features))
	copy(out, p.Features)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// MeteredFeatures returns the numeric features of the plan.
func (p *Plan) MeteredFeatures() []Feature {
	var out []Feature
	for _, f := range p.Features {
		if f.IsMetered() {
			out = append(out, f)
		}
	}
	return out
}

// MonthlyPrice returns the monthly-equivalent price rounded to two places.
func (p *Plan) MonthlyPrice() decimal.Decimal {
	return period.MonthlyEquivalent(p.Price, p.Cadence).Round(2)
}

// PriceMoney returns the price as Money in the plan's currency.
func (p *Plan) PriceMoney() types.Money {
	return types.NewMoney(p.Price, p.Currency)
}

// Validate checks the invariants that struct tags cannot express.
func (p *Plan) Validate() error {
	if p.Price.IsNegative() {
		return fmt.Errorf("%w: plan %q has negative price", ErrInvalid, p.Slug)
	}
	if !p.Cadence.Valid() {
		return fmt.Errorf("%w: plan %q has unknown cadence %q", ErrInvalid, p.Slug, p.Cadence)
	}
	if p.TrialDays < 0 {
		return fmt.Errorf("%w: plan %q has negative trial days", ErrInvalid, p.Slug)
	}
	seen := make(map[string]struct{}, len(p.Features))
	for i := range p.Features {
		f := &p.Features[i]
		if err := f.Validate(); err != nil {
			return err
		}
		if _, dup := seen[f.Key]; dup {
			return fmt.Errorf("%w: plan %q has duplicate feature key %q", ErrInvalid, p.Slug, f.Key)
		}
		seen[f.Key] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy of the plan and its features.
func (p *Plan) Clone() *Plan {
	c := *p
	c.Metadata = maps.Clone(p.Metadata)
	c.Features = CloneFeatures(p.Features)
	return &c
}

// CloneFeatures deep-copies a feature slice.
func CloneFeatures(in []Feature) []Feature {
	if in == nil {
		return nil
	}
	out := make([]Feature, len(in))
	for i, f := range in {
		if f.Limit != nil {
			v := *f.Limit
			f.Limit = &v
		}
		if f.Enabled != nil {
			v := *f.Enabled
			f.Enabled = &v
		}
		f.Metadata = maps.Clone(f.Metadata)
		out[i] = f
	}
	return out
}

func formatThousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
