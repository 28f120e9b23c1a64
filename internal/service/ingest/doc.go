// Package ingest implements admission control for inbound tracking events.
//
// Every request runs the same short-circuit pipeline: per-IP rate limiting,
// envelope decryption, origin validation, bot classification, and payload
// shape validation. Each outcome writes exactly one monitor row per event
// (allowed) or per request (denied, bot, error); only allowed rows enter
// the transmission queue as pending.
package ingest
