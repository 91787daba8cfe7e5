// Package entitle provides a subscription lifecycle and usage entitlement
// engine for Go applications.
//
// Entitle is a library, not a service. It tracks which plan an account is
// subscribed to, moves subscriptions through their lifecycle and enforces
// per-period usage limits on plan features. It provides:
//
//   - A subscription state machine (pending, trial, active, past due,
//     cancelled, suspended, expired) with a single payment entry point
//   - Atomic, limit-checked usage counters per feature and billing period
//   - A plan catalog with boolean, numeric and text features
//   - Calendar-correct billing periods (weekly, monthly, quarterly, yearly)
//   - An entitlement facade answering "may this account use this feature"
//   - Plugin hooks for notifications, audit trails and metrics
//
// # Quick Start
//
// Create an engine with your preferred store:
//
//	import (
//	    "github.com/xraph/entitle"
//	    "github.com/xraph/entitle/store/postgres"
//	)
//
//	st := postgres.New(db)
//
//	eng, err := entitle.New(st, entitle.WithLogger(slog.Default()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop(ctx)
//
// # Core Concepts
//
// Plans bundle features with a price and a cadence:
//
//	pro := &plan.Plan{
//	    Name:     "Pro",
//	    Slug:     "pro",
//	    Price:    decimal.RequireFromString("29.99"),
//	    Currency: "usd",
//	    Cadence:  period.Monthly,
//	    Active:   true,
//	    Features: []plan.Feature{
//	        plan.NumericFeature("api_calls", "API Calls", 10000),
//	        plan.UnlimitedFeature("projects", "Projects"),
//	        plan.BooleanFeature("sso", "Single Sign-On", true),
//	    },
//	}
//	err := eng.CreatePlan(ctx, pro)
//
// Subscriptions connect accounts to plans:
//
//	sub, err := eng.CreateSubscription(ctx, "acct_42", pro.ID, entitle.CreateOpts{StartTrial: true})
//
// Usage is consumed against the limits of the current period:
//
//	used, err := eng.IncrementUsage(ctx, sub.ID, "api_calls", 1)
//	if errors.Is(err, entitle.ErrQuotaExceeded) {
//	    // reject the request
//	}
//
// Entitlements answer whether a feature may be used right now:
//
//	res, err := eng.CheckAccount(ctx, "acct_42", "sso")
//	if res.Allowed {
//	    // ...
//	}
//
// # Time-based transitions
//
// The engine runs no background goroutines. Trial ends, renewals,
// grace-period expiry and lapsed cancellations are applied by
// SweepSubscriptions, which the entitlectl sweep command runs on a cron
// schedule.
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	plan_01h2xcejqtf2nbrexx3vqjhp41   // Plan ID
//	sub_01h2xcejqtf2nbrexx3vqjhp41    // Subscription ID
//	usage_01h455vb4pex5vsknk084sn02q  // Usage record ID
package entitle
