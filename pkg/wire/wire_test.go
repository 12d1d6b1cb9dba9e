package wire

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirrusfs/cirrus/pkg/provider"
)

func TestEncodeDecodeItem(t *testing.T) {
	item := provider.Item{
		ID:       "item1",
		ParentID: "root",
		Title:    "Report",
		ETag:     "v7",
		Type:     provider.ItemTypeFile,
		Metadata: map[string]provider.Value{
			"content_type": provider.String("text/plain"),
			"size":         provider.Int(1234),
			"shared":       provider.Bool(true),
			"thumbnail":    provider.Bytes{0x89, 0x50},
		},
	}

	rec, err := EncodeItem(item)
	require.NoError(t, err)
	assert.Equal(t, "item1", rec.ItemID)
	assert.Equal(t, uint32(2), rec.Type)
	assert.Equal(t, []string{"content_type", "shared", "size", "thumbnail"}, MetadataKeys(rec))
	assert.Equal(t, dbus.MakeVariant("text/plain"), rec.Metadata["content_type"])
	assert.Equal(t, dbus.MakeVariant(int64(1234)), rec.Metadata["size"])

	got, err := DecodeItem(rec)
	require.NoError(t, err)
	assert.Equal(t, item, got)
}

func TestEncodeItemsPreservesOrder(t *testing.T) {
	items := []provider.Item{
		{ID: "a", Type: provider.ItemTypeRoot, Title: "Root"},
		{ID: "b", ParentID: "a", Type: provider.ItemTypeFolder, Title: "dir"},
	}
	records, err := EncodeItems(items)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].ItemID)
	assert.Equal(t, uint32(0), records[0].Type)
	assert.Equal(t, "b", records[1].ItemID)
	assert.Equal(t, uint32(1), records[1].Type)
}

func TestEncodeItemRejectsNilValue(t *testing.T) {
	_, err := EncodeItem(provider.Item{
		ID:       "x",
		Type:     provider.ItemTypeFile,
		Metadata: map[string]provider.Value{"bad": nil},
	})
	require.Error(t, err)
	assert.True(t, provider.IsKind(err, provider.ErrorLocalComms), "got %v", err)
}

func TestDecodeItemRejectsUnknownTypeTag(t *testing.T) {
	_, err := DecodeItem(Item{ItemID: "x", Type: 9})
	require.Error(t, err)
	assert.True(t, provider.IsKind(err, provider.ErrorLocalComms), "got %v", err)
}

func TestDecodeItemRejectsUnsupportedVariant(t *testing.T) {
	_, err := DecodeItem(Item{
		ItemID: "x",
		Type:   2,
		Metadata: map[string]dbus.Variant{
			"weird": dbus.MakeVariant(3.14),
		},
	})
	require.Error(t, err)
	assert.True(t, provider.IsKind(err, provider.ErrorLocalComms), "got %v", err)
}

func TestDecodeItemWidensIntegerVariants(t *testing.T) {
	got, err := DecodeItem(Item{
		ItemID: "x",
		Type:   2,
		Metadata: map[string]dbus.Variant{
			"small": dbus.MakeVariant(int32(7)),
			"wide":  dbus.MakeVariant(uint32(8)),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, provider.Int(7), got.Metadata["small"])
	assert.Equal(t, provider.Int(8), got.Metadata["wide"])
}
