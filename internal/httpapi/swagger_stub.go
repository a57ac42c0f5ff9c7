//go:build !swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
)

// MountSwagger adds nothing unless built with -tags=swagger, so the default
// binary serves only the control API.
func MountSwagger(chi.Router) {}
