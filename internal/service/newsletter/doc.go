// Package newsletter implements the send-side entry point for a newsletter
// and the per-newsletter delivery diagnostics.
//
// The service turns one "send this newsletter" action into queue jobs and
// explains, after the fact, how queue state and ledger counts relate. It
// depends on the Repository interface defined here; the Postgres
// implementation lives in repository/postgres/.
package newsletter
