package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSQLiteConflictError(t *testing.T) {
	assert.False(t, IsSQLiteConflictError(nil))
	assert.False(t, IsSQLiteConflictError(errors.New("no such table")))
	assert.True(t, IsSQLiteConflictError(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, IsSQLiteConflictError(fmt.Errorf("delete: %w", errors.New("database is locked"))))
	assert.True(t, IsSQLiteBusyError(errors.New("SQLITE_BUSY")))
	assert.False(t, IsSQLiteLockedError(errors.New("SQLITE_BUSY")))
}
