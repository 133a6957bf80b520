// Package testutil provides deterministic fakes shared by package tests:
// a controllable clock, sequential id generators, a scriptable provider,
// and a fault-injecting storage backend.
package testutil
