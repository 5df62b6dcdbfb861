// Package store provides a key-value store with hierarchical path keys, backed
// either by memory or by BadgerDB. The transcript journal persists through it.
package store
