package component

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xonfour/horizont-sub000/errors"
)

func TestValidatePath(t *testing.T) {
	valid := []string{"/", "/a", "/a/b.txt", "/with space/x"}
	for _, p := range valid {
		assert.NoError(t, ValidatePath(p), p)
	}

	invalid := []string{"", "a/b", "/a/", "//a", "/a//b", "/a/./b", "/../etc", "/a\x00b"}
	for _, p := range invalid {
		err := ValidatePath(p)
		assert.Error(t, err, p)
		assert.True(t, errors.Is(err, errors.ErrInvalidPath), p)
		assert.True(t, errors.Is(err, errors.ErrBroker), p)
	}
}

func TestSubscription_Matches(t *testing.T) {
	flat := Subscription{Path: "/docs"}
	assert.True(t, flat.Matches("/docs"))
	assert.True(t, flat.Matches("/docs/a.txt"))
	assert.False(t, flat.Matches("/docs/sub/a.txt"))
	assert.False(t, flat.Matches("/docsx"))

	deep := Subscription{Path: "/docs", Recursive: true}
	assert.True(t, deep.Matches("/docs/sub/a.txt"))
	assert.False(t, deep.Matches("/other/a.txt"))

	root := Subscription{Path: "/"}
	assert.True(t, root.Matches("/a"))
	assert.False(t, root.Matches("/a/b"))
}

func TestPortID_Structural(t *testing.T) {
	a := PortID{Module: "m", Port: "p", Kind: ConsumerPort}
	b := PortID{Module: "m", Port: "p", Kind: ConsumerPort}
	c := PortID{Module: "m", Port: "p", Kind: SupplierPort}

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	set := map[PortID]bool{a: true}
	assert.True(t, set[b])
	assert.Equal(t, "m/p(consumer)", a.String())
	assert.Equal(t, a, ConsumerID(a.Endpoint()))
	assert.Equal(t, c, SupplierID(c.Endpoint()))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("module")
	assert.NoError(t, err)
	assert.Equal(t, KindModule, k)

	k, err = ParseKind("control_interface")
	assert.NoError(t, err)
	assert.Equal(t, KindControlInterface, k)

	_, err = ParseKind("plugin")
	assert.True(t, errors.Is(err, errors.ErrBroker))
}

func TestPort_Connectable(t *testing.T) {
	assert.True(t, Port{MaxConnections: Unbounded}.Connectable())
	assert.True(t, Port{MaxConnections: 1}.Connectable())
	assert.False(t, Port{MaxConnections: 0}.Connectable())
}

func TestParseCategories(t *testing.T) {
	all, err := ParseCategories("")
	assert.NoError(t, err)
	assert.Equal(t, Categories(), all)

	some, err := ParseCategories("log, state")
	assert.NoError(t, err)
	assert.Equal(t, []Category{CategoryLog, CategoryState}, some)

	_, err = ParseCategories("log,bogus")
	assert.Error(t, err)
}
