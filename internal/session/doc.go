// Package session holds the client-side view of one vertical for one
// account: fetched records, known entitlements, a local selection and the
// credit balance.
//
// Entitlements only ever come from the server: a full refresh, or the
// response to a confirmed unlock. Selection is purely local. A session
// allows one unlock in flight at a time, and after an unlock whose outcome
// is unknown (timeout, transport failure) it re-reads server state before
// accepting another.
package session
