//go:build !debug

// Package debug provides invariant assertions that compile to no-ops
// unless the repo is built with the "debug" tag, matching the teacher's
// always-on-in-tests / stripped-in-production idiom.
package debug

func ON() bool { return false }

func Assert(_ bool, _ ...any)            {}
func Assertf(_ bool, _ string, _ ...any) {}
func AssertNoErr(_ error)                {}
