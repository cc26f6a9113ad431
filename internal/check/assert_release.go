//go:build !debug

// Package check holds invariant assertions for rollout phase transitions and
// adapter preconditions. Release builds compile them away; run tests with
// -tags debug to turn violations into panics.
package check

func Assert(_ bool, _ string) {}

func Assertf(_ bool, _ string, _ ...any) {}
