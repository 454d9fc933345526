// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so validation works regardless of the
// working directory or installation location.
package schemasassets

import _ "embed"

// BaseURL is the common prefix of every embedded schema's $id.
const BaseURL = "https://schemas.3leaps.dev/gocluster/v1.0.0/"

// ProtoclusterSchema is the embedded protocluster JSON schema.
//
//go:embed protocluster.schema.json
var ProtoclusterSchema []byte

// SubregionSchema is the embedded subregion JSON schema.
//
//go:embed subregion.schema.json
var SubregionSchema []byte

// DetailsSchema is the embedded details JSON schema. It is referenced by the
// protocluster and subregion schemas.
//
//go:embed details.schema.json
var DetailsSchema []byte

// SideloadSchema is the embedded sideload-document JSON schema.
//
// Only the document envelope is checked here; individual protoclusters and
// subregions are validated one by one so a bad entry does not reject its
// siblings.
//
//go:embed sideload.schema.json
var SideloadSchema []byte

// All maps schema file names (relative to BaseURL) to their contents.
func All() map[string][]byte {
	return map[string][]byte{
		"protocluster.schema.json": ProtoclusterSchema,
		"subregion.schema.json":    SubregionSchema,
		"details.schema.json":      DetailsSchema,
		"sideload.schema.json":     SideloadSchema,
	}
}
