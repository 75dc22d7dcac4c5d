// Package httputil holds the JSON response helpers shared by the webhook
// and admin handlers, so every endpoint answers with the same envelope.
package httputil
