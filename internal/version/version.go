// ABOUTME: Version and product constants
// ABOUTME: Reported to the hub during auth and by the CLI
package version

// Version is the announcer release
const Version = "0.3.0"

// Product is the client name announced to the hub
const Product = "Sendspin Announcer"
