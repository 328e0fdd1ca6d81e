package common

// Version is set by the build process via -ldflags.
var Version = "dev"

// PackageName prefixes the metrics emitted by this module.
const PackageName = "enclave_bootstrap"
