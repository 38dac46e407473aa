// Package transport provides transport types and interfaces for the internal runtime.
// Transport implementations live in github.com/drblury/replicaflow/transport/*.
package transport

import (
	newtransport "github.com/drblury/replicaflow/transport"
)

// Capabilities is an alias for the modular transport Capabilities.
type Capabilities = newtransport.Capabilities

// CapabilitiesProvider is an alias for the modular transport CapabilitiesProvider.
type CapabilitiesProvider = newtransport.CapabilitiesProvider

// Predefined capability sets - aliased from the transport package.
var (
	RabbitMQCapabilities = newtransport.RabbitMQCapabilities
	MemoryCapabilities   = newtransport.MemoryCapabilities
)

// GetCapabilities returns the capabilities for a transport by name.
func GetCapabilities(transportName string) Capabilities {
	return newtransport.GetCapabilities(transportName)
}
