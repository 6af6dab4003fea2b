// Package cli builds the cobra command tree. It merges the HCL config file
// with command-line flags, validates the result, and maps user errors to
// exit codes.
package cli
