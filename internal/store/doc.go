// Package store defines the persistence contracts of the sync engine: the
// control-state key/value store and the record store. Implementations live in
// internal/storage; this package must not import database drivers or concrete
// clients.
package store
