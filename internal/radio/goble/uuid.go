package goble

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/google/uuid"
)

// FormatUUID renders a go-ble UUID the way scripts see it: 16- and 32-bit
// UUIDs as short uppercase hex ("180D"), 128-bit UUIDs in canonical dashed
// uppercase form.
func FormatUUID(u ble.UUID) string {
	be := ble.Reverse(u)
	switch len(be) {
	case 2, 4:
		return strings.ToUpper(fmt.Sprintf("%x", []byte(be)))
	case 16:
		id, err := uuid.FromBytes(be)
		if err != nil {
			return strings.ToUpper(fmt.Sprintf("%x", []byte(be)))
		}
		return strings.ToUpper(id.String())
	default:
		return strings.ToUpper(fmt.Sprintf("%x", []byte(be)))
	}
}
