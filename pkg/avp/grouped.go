package avp

import (
	"fmt"
	"strings"

	"github.com/hsdfat/diam-engine/models_base"
)

// Grouped is the value of a grouped AVP: an ordered sequence of AVPs.
type Grouped []*AVP

// DecodeGrouped decodes the value of a grouped AVP. It stops at the first
// inner AVP that fails.
func DecodeGrouped(b []byte, dict Dictionary) (Grouped, error) {
	var g Grouped
	for off := 0; off < len(b); {
		a, n, err := Decode(b[off:], dict)
		if err != nil {
			return nil, fmt.Errorf("inner AVP at offset %d: %w", off, err)
		}
		g = append(g, a)
		off += n
	}
	return g, nil
}

func (g Grouped) Serialize() []byte {
	b := make([]byte, g.Len())
	off := 0
	for _, a := range g {
		off += a.put(b[off:])
	}
	return b
}

// Len is the sum of the padded lengths of the children.
func (g Grouped) Len() int {
	n := 0
	for _, a := range g {
		n += a.EncodedLen()
	}
	return n
}

func (g Grouped) Padding() int {
	return 0
}

func (g Grouped) Type() models_base.TypeID {
	return models_base.GroupedType
}

func (g Grouped) String() string {
	parts := make([]string, len(g))
	for i, a := range g {
		parts[i] = a.String()
	}
	return "Grouped{" + strings.Join(parts, ",") + "}"
}
