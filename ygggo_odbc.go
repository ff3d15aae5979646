package ygggo_odbc

// version is overridden at build time with -ldflags "-X".
var version = "v0.1.0-dev"

// Version reports the module version shown by odbcq --version.
func Version() string { return version }
