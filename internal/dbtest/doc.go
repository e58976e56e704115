/*
Package dbtest spins up database containers for tests of the transports that
serve a graphcache.Client from a database. It wraps testcontainers-go with the
defaults those tests share: a single Neo4j server per test, and a fresh database
per test case.

Tests that need a specific customisation of the database should use the
testcontainers-go modules directly.

After a failure, the database container may be kept running for manual
inspection of the stored graph:

	go test -dbtest.inspect

This package is intended to be used in tests only.
*/
package dbtest
