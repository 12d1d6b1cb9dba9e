// Package wire marshals storage items between the in-memory model and the
// shapes godbus puts on the bus.
//
// An item travels as the D-Bus structure (ssssua{sv}); metadata values are
// variants restricted to the kinds the client catalogue understands
// (string, int64, boolean, byte array).
package wire

import (
	"sort"

	"github.com/godbus/dbus/v5"

	"github.com/cirrusfs/cirrus/pkg/provider"
)

// Item is the bus representation of a provider.Item.
type Item struct {
	ItemID   string
	ParentID string
	Title    string
	ETag     string
	Type     uint32
	Metadata map[string]dbus.Variant
}

// EncodeItem converts an item to its bus shape.
func EncodeItem(item provider.Item) (Item, error) {
	md := make(map[string]dbus.Variant, len(item.Metadata))
	for key, value := range item.Metadata {
		v, err := encodeValue(value)
		if err != nil {
			return Item{}, provider.NewKeyError(provider.ErrorLocalComms, key, "metadata: %v", err)
		}
		md[key] = v
	}
	return Item{
		ItemID:   item.ID,
		ParentID: item.ParentID,
		Title:    item.Title,
		ETag:     item.ETag,
		Type:     uint32(item.Type),
		Metadata: md,
	}, nil
}

// EncodeItems converts a list of items to its bus shape.
func EncodeItems(items []provider.Item) ([]Item, error) {
	out := make([]Item, 0, len(items))
	for _, item := range items {
		rec, err := EncodeItem(item)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// DecodeItem converts a bus record back to the in-memory model. Unknown
// type tags and unsupported variant payloads are rejected.
func DecodeItem(rec Item) (provider.Item, error) {
	if rec.Type > uint32(provider.ItemTypeFile) {
		return provider.Item{}, provider.NewError(provider.ErrorLocalComms, "unknown item type tag %d", rec.Type)
	}
	var md map[string]provider.Value
	if len(rec.Metadata) > 0 {
		md = make(map[string]provider.Value, len(rec.Metadata))
		for key, variant := range rec.Metadata {
			value, err := decodeValue(variant)
			if err != nil {
				return provider.Item{}, provider.NewKeyError(provider.ErrorLocalComms, key, "metadata: %v", err)
			}
			md[key] = value
		}
	}
	return provider.Item{
		ID:       rec.ItemID,
		ParentID: rec.ParentID,
		Title:    rec.Title,
		ETag:     rec.ETag,
		Type:     provider.ItemType(rec.Type),
		Metadata: md,
	}, nil
}

func encodeValue(value provider.Value) (dbus.Variant, error) {
	switch v := value.(type) {
	case provider.String:
		return dbus.MakeVariant(string(v)), nil
	case provider.Int:
		return dbus.MakeVariant(int64(v)), nil
	case provider.Bool:
		return dbus.MakeVariant(bool(v)), nil
	case provider.Bytes:
		return dbus.MakeVariant([]byte(v)), nil
	case nil:
		return dbus.Variant{}, provider.NewError(provider.ErrorLocalComms, "nil metadata value")
	default:
		return dbus.Variant{}, provider.NewError(provider.ErrorLocalComms, "unsupported metadata value %T", value)
	}
}

func decodeValue(variant dbus.Variant) (provider.Value, error) {
	switch v := variant.Value().(type) {
	case string:
		return provider.String(v), nil
	case int64:
		return provider.Int(v), nil
	case int32:
		return provider.Int(v), nil
	case uint32:
		return provider.Int(v), nil
	case bool:
		return provider.Bool(v), nil
	case []byte:
		return provider.Bytes(v), nil
	default:
		return nil, provider.NewError(provider.ErrorLocalComms, "unsupported variant payload %T", v)
	}
}

// MetadataKeys returns the metadata keys of a record in sorted order. Used
// by tests and diagnostics.
func MetadataKeys(rec Item) []string {
	keys := make([]string, 0, len(rec.Metadata))
	for key := range rec.Metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
