package types

// Version is the canonical project version.
// The CLI, the notification payloads and the stored frame encoding share
// this version.
const Version = "0.3.0"
