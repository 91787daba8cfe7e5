package main

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/xraph/entitle/period"
	"github.com/xraph/entitle/plan"
)

// planFile is the seed file layout:
//
//	plans:
//	  - name: Starter
//	    slug: starter
//	    price: "9.99"
//	    currency: usd
//	    cadence: monthly
//	    trial_days: 14
//	    features:
//	      - {key: api_calls, name: API Calls, limit: 1000}
//	      - {key: sso, name: Single Sign-On, enabled: false}
//	      - {key: seats, name: Seats, unlimited: true}
//	      - {key: support, name: Support, text: "business hours"}
type planFile struct {
	Plans []planEntry `yaml:"plans"`
}

type planEntry struct {
	Name        string            `yaml:"name"`
	Slug        string            `yaml:"slug"`
	Description string            `yaml:"description"`
	Price       string            `yaml:"price"`
	Currency    string            `yaml:"currency"`
	Cadence     string            `yaml:"cadence"`
	TrialDays   int               `yaml:"trial_days"`
	Inactive    bool              `yaml:"inactive"`
	Popular     bool              `yaml:"popular"`
	Metadata    map[string]string `yaml:"metadata"`
	Features    []featureEntry    `yaml:"features"`
}

type featureEntry struct {
	Key         string `yaml:"key"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Limit       *int64 `yaml:"limit"`
	Enabled     *bool  `yaml:"enabled"`
	Unlimited   bool   `yaml:"unlimited"`
	Text        string `yaml:"text"`
}

func loadPlanFile(path string) ([]*plan.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	return parsePlans(data)
}

func parsePlans(data []byte) ([]*plan.Plan, error) {
	var f planFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse plan file: %w", err)
	}

	plans := make([]*plan.Plan, 0, len(f.Plans))
	for i, e := range f.Plans {
		p, err := e.toPlan(i)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func (e planEntry) toPlan(order int) (*plan.Plan, error) {
	price := decimal.Zero
	if e.Price != "" {
		var err error
		if price, err = decimal.NewFromString(e.Price); err != nil {
			return nil, fmt.Errorf("plan %q: price: %w", e.Slug, err)
		}
	}

	cadence := period.Monthly
	if e.Cadence != "" {
		var err error
		if cadence, err = period.ParseCadence(e.Cadence); err != nil {
			return nil, fmt.Errorf("plan %q: %w", e.Slug, err)
		}
	}

	currency := e.Currency
	if currency == "" {
		currency = "usd"
	}

	p := &plan.Plan{
		Name:        e.Name,
		Slug:        e.Slug,
		Description: e.Description,
		Price:       price,
		Currency:    currency,
		Cadence:     cadence,
		TrialDays:   e.TrialDays,
		Active:      !e.Inactive,
		Popular:     e.Popular,
		SortOrder:   order + 1,
		Metadata:    e.Metadata,
	}

	for i, fe := range e.Features {
		var f plan.Feature
		switch {
		case fe.Unlimited:
			f = plan.UnlimitedFeature(fe.Key, fe.Name)
		case fe.Limit != nil:
			f = plan.NumericFeature(fe.Key, fe.Name, *fe.Limit)
		case fe.Enabled != nil:
			f = plan.BooleanFeature(fe.Key, fe.Name, *fe.Enabled)
		case fe.Text != "":
			f = plan.TextFeature(fe.Key, fe.Name, fe.Text)
		default:
			return nil, fmt.Errorf("plan %q: feature %q has no limit, enabled, unlimited or text value", e.Slug, fe.Key)
		}
		f.Description = fe.Description
		f.SortOrder = i + 1
		p.Features = append(p.Features, f)
	}
	return p, nil
}
