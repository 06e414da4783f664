// Package scrape defines the types, ports, and error taxonomy shared by the
// retry engine, validator, cache, and orchestrator of the scrape engine.
package scrape
