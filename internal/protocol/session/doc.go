// Package session owns client session timing and request correlation.
//
// Ownership boundary:
// - attach/detach/keepalive/QoS/announce cadence defaults
// - idle backoff for caller-driven poll loops
// - correlation table for in-flight driver requests
package session
