// Package domain defines the core types shared across the tagging relay:
// queued events, their dual status lifecycle, and the payload envelope.
//
// Types here are plain data. Business rules live in the service packages;
// persistence lives in internal/repository.
package domain
