// Package store holds the user and room record collaborators.
package store

import (
	"fmt"

	"github.com/dkeye/confcast/internal/domain"
)

var ErrUserNotFound = fmt.Errorf("user %w", domain.ErrNotFound)
