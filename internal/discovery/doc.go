// Package discovery produces candidate device addresses.
//
// Candidates are only hints: the gateway resolves each one through GET
// /shelly before a device is created. This package browses mDNS for
// _http._tcp instances named like "shellyswitch25-A4CF12F454A3" and
// defines the Candidate type shared with the other discovery sources
// (CoIoT hello messages, broker announces, manual add).
package discovery
