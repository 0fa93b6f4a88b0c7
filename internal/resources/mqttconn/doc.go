// Package mqttconn adapts an MQTT broker connection to the unreliable
// resource contract.
//
// The paho client's own auto-reconnect is disabled: retry policy belongs to
// the supervising daemon, which observes the connection-lost event and
// decides when to dial again. Creation performs the initial connect with a
// timeout; Stop disconnects with a quiesce period and raises the loss event
// itself, since paho does not invoke its lost handler on a clean
// disconnect.
package mqttconn
