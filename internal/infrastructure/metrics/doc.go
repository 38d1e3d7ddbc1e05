// Package metrics exposes the bridge's Prometheus instruments.
//
// All collectors live on a private registry so tests can create as many
// Metrics values as they like without colliding in the global default
// registry. Handler serves the registry in the Prometheus text format.
package metrics
