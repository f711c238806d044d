// Package dedupe provides a time-bounded memory of keys already handled.
//
// The correlator uses it to remember which correlation ids were finalized,
// so a repeated finalization is reported as such instead of as an unknown
// request, without keeping finalized histories alive.
package dedupe
