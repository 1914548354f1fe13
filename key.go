package listsync

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/unkn0wn-root/listsync/internal/util"
)

// Key kinds. The first element of a QueryKey names its shape.
const (
	KindDetail  = "detail"
	KindList    = "list"
	KindGrouped = "grouped"
)

// QueryKey is an ordered tuple of primitive values identifying a cached
// result. Two keys are equal iff their String forms are equal.
type QueryKey []any

// DetailKey identifies the detail cache of one record.
func DetailKey(entityType, id string) QueryKey {
	return QueryKey{KindDetail, entityType, id}
}

// ListKey identifies an unordered list of records of entityType.
func ListKey(entityType string, params ...any) QueryKey {
	return append(QueryKey{KindList, entityType}, params...)
}

// String is the serialized form of the key.
func (k QueryKey) String() string {
	var b strings.Builder
	for i, p := range k {
		if i > 0 {
			b.WriteByte('|')
		}
		switch v := p.(type) {
		case nil:
			b.WriteString("n:")
		case string:
			b.WriteString("s:")
			b.WriteString(strconv.Quote(v))
		case bool:
			b.WriteString("b:")
			b.WriteString(strconv.FormatBool(v))
		case int:
			b.WriteString("i:")
			b.WriteString(strconv.FormatInt(int64(v), 10))
		case int32:
			b.WriteString("i:")
			b.WriteString(strconv.FormatInt(int64(v), 10))
		case int64:
			b.WriteString("i:")
			b.WriteString(strconv.FormatInt(v, 10))
		case uint:
			b.WriteString("i:")
			b.WriteString(strconv.FormatUint(uint64(v), 10))
		case uint64:
			b.WriteString("i:")
			b.WriteString(strconv.FormatUint(v, 10))
		case float64:
			b.WriteString("f:")
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		default:
			fmt.Fprintf(&b, "%T:%v", v, v)
		}
	}
	return b.String()
}

// Hash is a compact fingerprint of String, used for spill storage keys.
func (k QueryKey) Hash() uint64 { return util.HashKey(k.String()) }

func (k QueryKey) part(i int) string {
	if i >= len(k) {
		return ""
	}
	s, _ := k[i].(string)
	return s
}

// Kind is the key's shape: KindDetail, KindList, KindGrouped or a custom value.
func (k QueryKey) Kind() string { return k.part(0) }

// EntityType is the record type the key caches.
func (k QueryKey) EntityType() string { return k.part(1) }

// EntityID is the record id of a detail key; empty otherwise.
func (k QueryKey) EntityID() string {
	if k.Kind() != KindDetail {
		return ""
	}
	return k.part(2)
}

// IsListShaped reports whether the key caches a list or grouped result.
func (k QueryKey) IsListShaped() bool {
	kind := k.Kind()
	return kind == KindList || kind == KindGrouped
}

func (k QueryKey) clone() QueryKey { return append(QueryKey(nil), k...) }
