package config

import (
	_ "embed"
)

// DefaultYAML is the commented configuration written by "honeyport config init".
//
//go:embed config.default.yaml
var DefaultYAML []byte
