// Package defaults provides an embedded copy of the example
// configuration for the init subcommand.
package defaults

import _ "embed"

//go:generate sh -c "cp ../../examples/config.example.yaml ."

//go:embed config.example.yaml
var ConfigYAML []byte
