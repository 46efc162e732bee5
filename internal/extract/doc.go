// Package extract turns a fetched page into media references.
//
// Scanning order is fixed: images first, then <video>/<source> elements, then
// iframes that look like embedded players. Within each group references keep
// document order.
package extract
