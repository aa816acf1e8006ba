package config

import _ "embed"

// Default holds the built-in configuration merged underneath conf.yaml.
//
//go:embed conf.default.yaml
var Default []byte
