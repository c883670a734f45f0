// Package dispatch runs webhook follow-up work in the background, detached from
// the request that triggered it.
package dispatch
