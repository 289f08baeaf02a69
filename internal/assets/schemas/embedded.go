// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so catalog validation works
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// CatalogSchema is the embedded catalog JSON schema.
//
//go:embed catalog.schema.json
var CatalogSchema []byte
