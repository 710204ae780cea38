// Package cli is the smelter command line. It parses flags with cobra, layers
// them over the config file and environment, drives the App, and maps every
// failure class to its process exit code.
package cli
