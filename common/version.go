package common

// Version is overridden at build time with -ldflags "-X ...common.Version=...".
var Version = "dev"

// PackageName is used as the metrics namespace.
const PackageName = "social_recovery"
