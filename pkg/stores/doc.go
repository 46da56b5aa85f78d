// Package stores provides the experiment catalog: a SQLite mirror of every
// experiment, its run units, their properties and the pipeline events.
//
// The catalog is a queryable index. The properties file in the experiment
// directory stays the source of truth for scoring and reporting; the catalog
// is rebuilt from it with SyncProperties at any time.
package stores
