package buildinfo

// Version is overridden at link time with -ldflags "-X hoist/internal/buildinfo.Version=...".
var Version = "dev"
