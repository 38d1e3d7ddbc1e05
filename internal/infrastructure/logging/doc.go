// Package logging builds the bridge's slog logger.
//
// Output is JSON by default and tint's colourised text with format "text".
// Every record carries service=shellybridge and the version. Subsystems
// log through Component loggers (component=coap, gateway, api, ...), and
// the level can be changed at runtime with SetLevel:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Device and broker passwords are never logged.
package logging
