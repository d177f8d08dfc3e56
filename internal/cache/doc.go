// Package cache implements the named cache namespaces the policy handler
// stores responses in. Each namespace is a directory under StoragePath; each
// entry is a body file plus a JSON metadata file keyed by the blake3 digest
// of the request URL. Writes go through a temp file + rename so readers never
// observe a half-written entry, and the metadata file is written last so it
// acts as the commit marker. Operations on one key are serialized with a
// per-entry lock; namespaces themselves are only created by Open and only
// removed by Delete.
package cache
