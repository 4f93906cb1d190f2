// Package crawler holds the registry ingestion core types: the persisted
// entities and repository contracts, page-number arithmetic for paginated
// listings, the fetch retry policy, and the field-key normaliser that tracks
// how often each source label appears.
package crawler
