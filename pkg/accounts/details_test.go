package accounts

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func details(id int64, provider string) Details {
	return Details{
		ProviderID:   provider,
		ObjectPath:   "/provider/1",
		ID:           id,
		ServiceID:    "svc",
		DisplayName:  "Account",
		ProviderName: "Provider",
		IconName:     "icon",
	}
}

func TestDetailsOrderByID(t *testing.T) {
	a := details(1, "org.example.B")
	b := details(2, "org.example.A")

	// ID is the primary discriminator regardless of the other fields.
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
}

func TestDetailsOrderTieBreakers(t *testing.T) {
	a := details(7, "org.example.A")
	b := details(7, "org.example.B")
	assert.True(t, a.Less(b))

	c := a
	c.DisplayName = "Zed"
	assert.True(t, a.Less(c))
}

func TestDetailsEqualNotLess(t *testing.T) {
	a := details(7, "org.example.A")
	b := a
	assert.Equal(t, 0, a.Compare(b))
	assert.False(t, a.Less(b))
	assert.False(t, b.Less(a))
}

func TestDetailsSortStable(t *testing.T) {
	list := []Details{details(9, "x"), details(3, "z"), details(3, "a"), details(1, "y")}
	sort.Slice(list, func(i, j int) bool { return list[i].Less(list[j]) })

	assert.Equal(t, int64(1), list[0].ID)
	assert.Equal(t, int64(3), list[1].ID)
	assert.Equal(t, "a", list[1].ProviderID)
	assert.Equal(t, "z", list[2].ProviderID)
	assert.Equal(t, int64(9), list[3].ID)
}
