// Package persist provides collection types whose contents live in a
// SQLite database behind a transaction broker: a grouped name/value
// item store, a dictionary with in-memory caching and lazy writes, and
// a three-dimensional sparse array.
//
// Every collection is identified by a group key. Collections built
// from the same registry and DSN share one worker and database handle,
// so their transactions interleave safely; collections with the same
// group key see the same data.
//
// Values are stored as JSON. Writes are submitted at a lower priority
// than reads (NicenessWrite) so interactive loads overtake bulk
// writes on a busy queue.
package persist
