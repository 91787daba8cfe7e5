package entitle

import (
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/types"
)

// Re-export common types for convenience so users don't have to import
// the types and entitlement packages.

// Money is re-exported from types package.
type Money = types.Money

// Entity is re-exported from types package.
type Entity = types.Entity

// Result is re-exported from entitlement package.
type Result = entitlement.Result

// Re-export Money constructors
var (
	NewMoney   = types.NewMoney
	ParseMoney = types.ParseMoney
	ZeroMoney  = types.Zero
)
