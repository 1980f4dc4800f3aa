// Package typedkv is a typed access layer over an ordered byte-oriented
// key-value store. Collections are declared once as a Schema binding a name
// to key and value codecs; opening a schema yields a Tree whose operations
// take and return the declared Go types instead of raw bytes.
//
// Integer key codecs use big-endian encodings so that encoded keys sort in
// numeric order, which makes typed range scans and double-ended iteration
// meaningful. Writes can be grouped into atomic batches, and multi-collection
// transactions run through a retry engine that distinguishes caller aborts
// from engine conflicts.
//
// Two storage engines back the pkg/store contract: BadgerDB and Pebble.
package typedkv
