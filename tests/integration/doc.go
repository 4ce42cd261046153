// Package integration exercises the fixture registry against real databases
// started through testcontainers. Docker must be available.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration
