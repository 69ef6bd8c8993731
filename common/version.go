package common

// PackageName identifies the service in metrics and logs.
const PackageName = "securestore"

// Version is the service version, overridden at build time via
// -ldflags "-X github.com/teekit/securestore/common.Version=...".
var Version = "dev"
