package database

import (
	"fmt"
	"strings"

	"github.com/bryan-buckman/televore/internal/model"
)

// RowError is a failure to write one message.
type RowError struct {
	Key model.Key
	Err error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %s/%s: %v", e.Key.GroupID, e.Key.MessageID, e.Err)
}

func (e RowError) Unwrap() error { return e.Err }

// RowErrors lists the rows an append rejected. Nothing from the batch is
// committed when it is returned.
type RowErrors []RowError

func (e RowErrors) Error() string {
	parts := make([]string, 0, len(e))
	for _, re := range e {
		parts = append(parts, re.Error())
	}
	return fmt.Sprintf("%d row errors: %s", len(e), strings.Join(parts, "; "))
}
