// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files. It covers server settings, logging, the
// three execution backends (cloud sandbox, serverless endpoint, local
// container) and session-level parameters such as timeouts and the
// reference-file directory.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Server transport: %s\n", cfg.Server.Transport)
package config
