// Package config loads the bridge configuration from YAML.
//
// Load reads the file, fills defaults for anything missing, applies
// SHELLYBRIDGE_* environment overrides and validates the result. A .env file
// next to the binary is loaded into the environment first, so secrets such
// as SHELLYBRIDGE_MQTT_PASSWORD, SHELLYBRIDGE_DEVICE_PASSWORD and
// SHELLYBRIDGE_JWT_SECRET can stay out of config.yaml.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	iface := cfg.Gateway.CoAP.Interface
package config
