// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable
// interpolation. See configs/ricmux.example.yaml for a complete example.
package config
