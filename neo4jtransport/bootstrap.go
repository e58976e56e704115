package neo4jtransport

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/go-digitaltwin/go-graphcache"
)

// BootstrapDatabase creates the named database along with the constraints a
// Transport relies on: the identifier of every entity type of the schema is
// unique within its label, and so is the name of every root list.
//
// Uniqueness constraints also back the identifier lookups every read performs
// with an index, and prevent duplicate nodes caused by concurrent MERGEs.
//
// To execute queries against the created database, open a session with the
// database name as the default database. For example:
//
//	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name})
//	defer func() { _ = s.Close(ctx) }()
//	... use s ...
//
// This function is idempotent.
func BootstrapDatabase(ctx context.Context, d neo4j.DriverWithContext, name string, schema *graphcache.Schema) error {
	if err := createDatabase(ctx, d, name); err != nil {
		return fmt.Errorf("create database: %w", err)
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{DatabaseName: name})
	defer func() { _ = s.Close(ctx) }()

	labels := append(schema.Types(), listLabel)
	_, err := s.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, l := range labels {
			key := "id"
			if l == listLabel {
				key = "name"
			}
			_, err := tx.Run(ctx, `
				CREATE CONSTRAINT IF NOT EXISTS
				FOR (n:`+quote(l)+`)
				REQUIRE n.`+key+` IS UNIQUE
			`, nil)
			if err != nil {
				return nil, fmt.Errorf("uniqueness constraint: label %v: %w", l, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("create constraints: %w", err)
	}
	return s.Close(ctx)
}

func createDatabase(ctx context.Context, d neo4j.DriverWithContext, name string) error {
	if name == "" {
		panic("neo4jtransport: database name must not be empty")
	}
	if name == "neo4j" {
		panic("neo4jtransport: database name must not be neo4j: reserved for the default database")
	}
	if strings.HasPrefix(name, "system") || strings.HasPrefix(name, "_") {
		panic("neo4jtransport: Names that begin with an underscore and with the prefix system are reserved for internal use")
	}

	s := d.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() { _ = s.Close(ctx) }()

	// create a new database if it does not exist
	_, err := s.Run(ctx, `
			CREATE DATABASE $name IF NOT EXISTS
		`, map[string]any{
		"name": name,
	})
	return err
}
