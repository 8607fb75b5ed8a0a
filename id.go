package ledger

import "github.com/clinicos/ledger/id"

// ID is the identifier type for all ledger records.
type ID = id.ID

// Prefix identifies the record type encoded in a TypeID.
type Prefix = id.Prefix
