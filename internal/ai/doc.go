// Package ai holds the server's AI coordination layer: per-conversation
// context sessions, token usage counters, and a bounded worker pool that
// runs analysis jobs against an external provider off the routing path.
package ai
