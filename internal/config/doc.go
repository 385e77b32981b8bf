// Package config loads kbsearch settings from defaults, an optional YAML
// file, a .env file and KBSEARCH_-prefixed environment variables, in
// increasing order of precedence.
package config
