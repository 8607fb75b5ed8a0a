package ledger

import "github.com/clinicos/ledger/types"

// Re-export common types for convenience so users don't have to import types package.

// Money is re-exported from types package.
type Money = types.Money

// Entity is re-exported from types package.
type Entity = types.Entity

// Re-export Money constructors
var (
	THB  = types.THB
	USD  = types.USD
	Zero = types.Zero
	Sum  = types.Sum
)
