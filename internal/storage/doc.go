// Package storage provides the transactional document store behind notifbox.
//
// Registries, users, messages, summaries and weekly archives are stored as
// JSON documents keyed by (collection, id). Transactions are optimistic:
// reads remember versions, commit rejects stale reads and RunTx retries.
package storage
