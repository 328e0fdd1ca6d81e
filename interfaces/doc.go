// Package interfaces defines core interfaces and types for the enclave
// bootstrap system, separating interface definitions from implementations.
//
// The package provides interfaces for the key components of the system:
//
// # Trust Anchor Interfaces
//
// AnchorRegistry: Provides read access to published measurement documents and
// a publish path for provisioning tooling. Implementations back the registry
// with an on-chain contract, a Vault KV path, or plain artifact storage.
//
// # Storage Interfaces
//
// ArtifactStorage: Provides named artifact storage for the objects of one
// provisioning transaction (ciphertext model blob, IV, wrapped data key,
// optional auxiliary blob) across multiple backend types (file, S3, IPFS,
// GitHub, Vault).
//
// StorageBackendFactory: Creates storage backends from URI strings and manages
// multi-backend configurations for redundant storage.
//
// # Core Types
//
// The package also defines the identity types shared across components:
//
//   - Measurement: 48-byte SHA-384 register digest with constant-time equality
//   - MeasurementMap: register index to digest mapping, with its wire encoding
//   - ImageID: 32-byte SHA-256 identifier of a provisioning transaction
//   - ArtifactName: named object within a transaction's storage prefix
package interfaces
