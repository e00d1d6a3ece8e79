// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"fmt"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/mirrorscope/pkg/validation"
)

// Custom binding tags for protocol identifiers, so malformed ids are
// rejected during request binding alongside the required-field checks.
func init() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	// RegisterValidation only fails for an empty tag or nil func, which would
	// be a programming error here, so surface it at startup.
	err := v.RegisterValidation("clientid", func(fl validator.FieldLevel) bool {
		return validation.ValidateClientID(fl.Field().String()) == nil
	})
	if err != nil {
		panic(fmt.Sprintf("register clientid binding tag: %v", err))
	}
	err = v.RegisterValidation("providerkey", func(fl validator.FieldLevel) bool {
		return validation.ValidateProviderKey(fl.Field().String()) == nil
	})
	if err != nil {
		panic(fmt.Sprintf("register providerkey binding tag: %v", err))
	}
}
