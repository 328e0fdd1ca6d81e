// Package attestation computes and verifies enclave image measurements and
// issues runtime attestation documents.
//
// # Measurement Computation
//
// MeasureImage and MeasureSigner produce the register digests of a candidate
// enclave image before launch: register 0 is extended with the digest of the
// image artifact, register 8 with the digest of the signing certificate. The
// signing certificate only identifies the signer for measurement purposes; it
// is not a secret and is used nowhere else.
//
// # Verification
//
// Verify compares an observed measurement set against a published one from a
// trust anchor. Every published register must be present and equal
// bit-for-bit; comparison is constant-time over the full digest and examines
// all registers before reporting. A mismatch is terminal for the caller, and
// MismatchError carries both digests for operator diagnosis.
//
// # Runtime Evidence
//
// Provider abstracts the issuance of attestation documents. NSMProvider talks
// to the Nitro Security Module device and binds a caller-supplied public key
// and nonce into the signed document; StaticProvider serves canned documents
// for tests and development. Server exposes document issuance to operators
// over a length-prefixed stream protocol, typically bound to a vsock port.
package attestation
