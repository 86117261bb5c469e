package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_MessageCarriesContext(t *testing.T) {
	err := Newf(KindStartupFailure, "start", "health probe never succeeded").WithModel("edge", 8604)
	assert.Equal(t, "start model=edge port=8604: health probe never succeeded", err.Error())
}

func TestWrap_KeepsKindAndFillsContext(t *testing.T) {
	inner := Newf(KindShutdownTimeout, "stop", "port still answering").WithModel("edge", 8604)
	err := Wrap(fmt.Errorf("stopping: %w", inner), KindUnknown, "switch", "alice", "", 0)

	fe, ok := As(err)
	assert.True(t, ok)
	assert.Equal(t, KindShutdownTimeout, fe.Kind)
	assert.Equal(t, "alice", fe.AvatarID)
	assert.Equal(t, "edge", fe.Model)
	assert.Equal(t, 8604, fe.Port)
	assert.Equal(t, "switch", fe.Op)
}

func TestWrap_PlainErrorUsesFallback(t *testing.T) {
	err := Wrap(errors.New("connection refused"), KindUpstream, "lipsync.switch", "bob", "sovits", 8604)
	assert.True(t, Is(err, KindUpstream))
	assert.Contains(t, err.Error(), "avatar=bob")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWrap_Nil(t *testing.T) {
	assert.NoError(t, Wrap(nil, KindUpstream, "op", "", "", 0))
}

func TestKindOf_Unknown(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.False(t, Is(nil, KindBusy))
}
