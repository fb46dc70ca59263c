// Package tools runs host commands on behalf of node adapters, such as a
// responder whose local effect is an external haptic program.
package tools
