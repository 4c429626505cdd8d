// Package dedupe rejects message IDs resubmitted to the same conversation
// within a configurable window.
package dedupe
