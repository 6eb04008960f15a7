// Package monitor keeps per-identity statistics about managed workers and
// lets shutdown code wait until every launched worker has terminated.
package monitor
