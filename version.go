package gdwhisper

// Version is set at build time.
var Version = "current"
