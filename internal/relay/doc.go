// Package relay implements the two transmission strategies the batch
// processor dispatches through: direct-to-GA4 (one Measurement Protocol
// call per event) and via-Cloudflare-Worker (one batched call per run,
// optionally encrypted).
//
// Each strategy owns its own payload transformation. The GA4 path embeds
// the consent-gated privacy redaction: identity and precise-location fields
// never leave the relay when consent resolves to DENIED.
package relay
