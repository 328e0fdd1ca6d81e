// Package registry provides trust anchor registries: sources of the
// published measurement documents the attestation verifier compares a
// candidate enclave image against.
//
// Two implementations are provided:
//
//   - OnchainAnchorRegistry reads and writes anchor documents through a
//     registry smart contract on an Ethereum-compatible chain, keyed by
//     image ID. Reads need only an RPC endpoint; publishing additionally
//     requires transaction options with a signing key.
//
//   - StorageAnchorRegistry serves anchor documents out of an artifact
//     storage backend (file://, vault://, s3://), for deployments without
//     an onchain trust anchor.
//
// Both implement interfaces.AnchorRegistry. The enclave side only ever
// reads; publishing is done by provisioning tooling.
package registry
