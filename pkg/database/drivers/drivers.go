// Package drivers registers the database/sql drivers used by the planner.
// Binaries import it explicitly so tests of the database package can run
// against sqlmock without linking the engines.
package drivers

// Ready is a no-op called from main to make the import explicit.
func Ready() {}
