// Package types defines the provider-agnostic data model shared by every
// layer of DataForge: generic requests and responses, token accounting, and
// the structured error taxonomy.
//
// Types here have no dependencies on other DataForge packages so that the
// dispatcher, checkpoint store, cache, and provider backends can all exchange
// values without import cycles.
package types
