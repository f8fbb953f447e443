package buildinfo

// Version is overridden at link time with -ldflags "-X toolbridge/internal/buildinfo.Version=...".
var Version = "0.1.0-dev"
