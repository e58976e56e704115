package neo4jtransport

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-graphcache/neo4jtransport")
var meter = otel.Meter("github.com/go-digitaltwin/go-graphcache/neo4jtransport")

// databaseKey is the attribute key associating records with the name of the
// Neo4j database a Transport serves.
const databaseKey = "neo4j.database"

var (
	// readQueries records how many Cypher queries a single read request ran. Reads
	// run one query per entity type and relation level, so this grows with the
	// depth of requested paths and never with the number of entities.
	readQueries metric.Int64Histogram
)

func init() {
	// We're initiating the metric instruments on the otel meter. Encounter an error
	// during an instrument's initialisation, triggering a panic. This scenario
	// should not occur, if it does, it is likely related to the attributes applied
	// on the instrument.
	var err error
	readQueries, err = meter.Int64Histogram(
		"neo4jtransport_read_queries",
		metric.WithDescription("how many Cypher queries a single read request ran"),
	)
	if err != nil {
		s := fmt.Sprintf("neo4jtransport: failed to init 'neo4jtransport_read_queries' instrument: %v", err)
		panic(s)
	}
}
