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
	"fmt"
	"math"
	"strings"

	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
)

// ValidateArgs checks args against the definition's parameters.
//
// Description:
//
//	Required parameters must be present (required strings must also be
//	non-blank) and every present parameter must match its declared type
//	and enum. Unknown arguments are ignored.
//
// Outputs:
//
//	error - *domain.ValidationError for the first violation, sorted by name.
func ValidateArgs(def Definition, args map[string]any) error {
	for _, name := range def.ParamNames() {
		param := def.Parameters[name]
		value, present := args[name]

		if !present || value == nil {
			if param.Required {
				return domain.NewValidationError(name, "is required")
			}
			continue
		}

		if err := checkType(name, param, value); err != nil {
			return err
		}
	}
	return nil
}

func checkType(name string, param ParamDef, value any) error {
	switch param.Type {
	case ParamTypeString:
		s, ok := value.(string)
		if !ok {
			return domain.NewValidationError(name, "expected string, got %T", value)
		}
		if param.Required && strings.TrimSpace(s) == "" {
			return domain.NewValidationError(name, "must not be empty")
		}
		if len(param.Enum) > 0 && !contains(param.Enum, s) {
			return domain.NewValidationError(name, "must be one of %s", strings.Join(param.Enum, ", "))
		}
	case ParamTypeInt:
		switch v := value.(type) {
		case int, int32, int64:
		case float64:
			if v != math.Trunc(v) {
				return domain.NewValidationError(name, "expected integer, got %v", v)
			}
		default:
			return domain.NewValidationError(name, "expected integer, got %T", value)
		}
	case ParamTypeFloat:
		switch value.(type) {
		case float64, float32, int, int64:
		default:
			return domain.NewValidationError(name, "expected number, got %T", value)
		}
	case ParamTypeBool:
		if _, ok := value.(bool); !ok {
			return domain.NewValidationError(name, "expected boolean, got %T", value)
		}
	case ParamTypeArray:
		if _, ok := value.([]any); !ok {
			return domain.NewValidationError(name, "expected array, got %T", value)
		}
	case ParamTypeObject:
		if _, ok := value.(map[string]any); !ok {
			return domain.NewValidationError(name, "expected object, got %T", value)
		}
	default:
		return domain.NewValidationError(name, "unsupported parameter type %s", param.Type)
	}
	return nil
}

func contains(options []string, v string) bool {
	for _, o := range options {
		if o == v {
			return true
		}
	}
	return false
}

// StringArg returns args[name] as a trimmed string.
func StringArg(args map[string]any, name string) string {
	switch v := args[name].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
