package prototype

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/martinsuchenak/protosync/internal/inherit"
	"github.com/martinsuchenak/protosync/internal/model"
)

func TestParseList(t *testing.T) {
	assert.Nil(t, parseList(""))
	assert.Equal(t, []string{"a", "b"}, parseList(" a, ,b ,"))
}

func TestPrintPrototypes(t *testing.T) {
	var buf bytes.Buffer
	printPrototypes(&buf, nil)
	assert.Equal(t, "No host prototypes found\n", buf.String())

	buf.Reset()
	printPrototypes(&buf, []model.HostPrototype{
		{ID: "p1", DiscoveryRuleID: "r1", Host: "{#ID}", Status: model.PrototypeStatusEnabled},
		{ID: "p2", DiscoveryRuleID: "r2", Host: "{#ID}", Status: model.PrototypeStatusDisabled, LineageID: "p1"},
	})
	assert.Equal(t, "p1\tr1\t{#ID}\tenabled\t-\np2\tr2\t{#ID}\tdisabled\tp1\n", buf.String())
}

func TestDescribe(t *testing.T) {
	conflict := &inherit.ConflictError{Conflicts: []inherit.ConflictDescription{
		{Field: inherit.FieldHost, Value: "a"},
		{Field: inherit.FieldVisibleName, Value: "b"},
	}}

	err := describe(fmt.Errorf("saving: %w", conflict))
	assert.Equal(t, "host prototype with host name \"a\" already exists\nhost prototype with visible name \"b\" already exists", err.Error())

	other := errors.New("boom")
	assert.Equal(t, other, describe(other))
}
