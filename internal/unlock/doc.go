// Package unlock implements the unlock transaction: the only code path that
// charges credits and creates entitlement grants.
//
// # Algorithm
//
//  1. Resolve the vertical via the registry (UNKNOWN_VERTICAL).
//  2. Normalize and deduplicate the requested ids (INVALID_REQUEST if empty).
//  3. Inside one store transaction:
//     a. owned = ListGranted; new = requested - owned
//     b. new empty: succeed with zero charge
//     c. cost = |new| * unit cost; balance < cost: INSUFFICIENT_CREDITS
//     d. append a -cost ledger entry, grant every new id against it
//  4. Commit and return newly granted ids and the remaining balance.
//
// # Concurrency
//
// The ownership check, the balance check, the charge and the grant all run
// inside store.Backend.Atomic, which serializes transactions. A second
// request for the same ids therefore observes the first one's grants and is
// charged only for what is still unowned. The grant table's unique
// constraint is a backstop: if a grant reports fewer inserts than were paid
// for, the transaction aborts and nothing is charged.
//
// # Failure model
//
// Expected conditions return typed *domain.Error values. Any fault inside
// the transaction, including one injected with WithFaultHook, rolls back
// both the charge and the grants and surfaces as STORE_UNAVAILABLE, which is
// safe to retry because a repeated request for owned ids is a no-op.
package unlock
