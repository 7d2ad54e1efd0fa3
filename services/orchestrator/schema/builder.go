// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
)

// DefaultExtraField is the single extension field used when an
// application declares no provision schema.
const DefaultExtraField = "additional_information"

// DefaultExtraDescription describes DefaultExtraField.
const DefaultExtraDescription = "Any additional details the data owner needs to grant the requested access."

// BuildToolSchema composes a tool's input parameters from its base fields
// and an application's provision schema.
//
// # Description
//
// Every provision entry becomes a required string parameter carrying the
// entry's description. When provision is empty a single optional
// DefaultExtraField is added instead. The extension replaces the default,
// it is never merged with it. Base fields win on a name collision so an
// application cannot redefine identity arguments such as conversation_id.
//
// # Inputs
//
//   - base: fixed parameters of the tool. Not modified.
//   - provision: the application's provision schema. May be nil.
//
// # Outputs
//
//   - map[string]ParamDef: a fresh parameter map.
func BuildToolSchema(base map[string]ParamDef, provision map[string]domain.ProvisionField) map[string]ParamDef {
	out := make(map[string]ParamDef, len(base)+len(provision)+1)
	for name, def := range base {
		out[name] = def
	}
	for name, def := range ExtensionFields(provision) {
		if _, taken := out[name]; taken {
			continue
		}
		out[name] = def
	}
	return out
}

// ExtensionFields returns only the dynamic part of a tool schema.
func ExtensionFields(provision map[string]domain.ProvisionField) map[string]ParamDef {
	if len(provision) == 0 {
		return map[string]ParamDef{
			DefaultExtraField: {
				Type:        ParamTypeString,
				Description: DefaultExtraDescription,
			},
		}
	}

	out := make(map[string]ParamDef, len(provision))
	for name, field := range provision {
		out[name] = ParamDef{
			Type:        ParamTypeString,
			Description: field.Description,
			Required:    true,
		}
	}
	return out
}

// ExtensionValues picks the values of the extension fields out of args.
// Missing or non-string values are skipped.
func ExtensionValues(provision map[string]domain.ProvisionField, args map[string]any) map[string]string {
	out := make(map[string]string)
	for name := range ExtensionFields(provision) {
		if v, ok := args[name].(string); ok && v != "" {
			out[name] = v
		}
	}
	return out
}
