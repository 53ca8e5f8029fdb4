// Package domain holds the types shared by every layer of unlockd: ledger
// entries, entitlement grants, records, unlock results and the error
// taxonomy returned across the store, processor, transport and session
// boundaries.
//
// # Identity
//
// Account ids, vertical keys and record ids are opaque strings. They are
// NFC-normalized at the boundary (see Normalize) so the same logical id
// always maps to the same stored row.
//
// # Errors
//
// Expected conditions (unknown vertical, insufficient credits, bad input)
// and infrastructure faults (store unavailable) are all returned as *Error
// values carrying a Code. Callers inspect them with errors.As or the IsXxx
// helpers; only STORE_UNAVAILABLE is retryable.
package domain
