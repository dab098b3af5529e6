package convert

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("plugin: %w", sourceErr("decode", fs.ErrNotExist))
	assert.True(t, IsKind(err, KindSourceRead))
	assert.False(t, IsKind(err, KindConfiguration))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	assert.Equal(t, "plugin: convert: decode: file does not exist", err.Error())

	assert.True(t, IsKind(PartialWrite("cleanup", errors.New("busy")), KindPartialWrite))
	assert.False(t, IsKind(errors.New("plain"), KindSourceRead))
	assert.Equal(t, "configuration", KindConfiguration.String())
}
