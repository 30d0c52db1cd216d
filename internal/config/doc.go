// Package config loads YAML configuration for the agentd daemon and the
// agentchat client.
//
// Files may reference environment variables with ${VAR} syntax. Every
// interval field is a Go duration string ("30s", "500ms"); bare numbers are
// rejected by the YAML parser, so units are never ambiguous.
package config
