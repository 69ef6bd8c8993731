// Package storage provides the persistence backends for sealed blobs. Each
// backend implements interfaces.StorageBackend and is constructed from a
// location URI by the factory:
//
//   - file://   local filesystem
//   - badger:// embedded badger database
//   - s3://     Amazon S3 or compatible object storage
//   - vault://  HashiCorp Vault KV v2
//   - ipfs://   IPFS node (content-addressed, no in-place overwrite)
//
// Backends store opaque bytes; all cryptography happens above this layer.
// Deterministic backends derive the storage handle from the caller's
// location hint so overwrites of the same logical key land on the same
// location. IPFS is content-addressed and returns a new handle per content;
// it cannot participate in deterministic multi-backend replication.
package storage
