package fwupd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"codeberg.org/depot-center/depot/internal/plugin"
)

func TestConvertError(t *testing.T) {
	cases := []struct {
		daemon DaemonCode
		want   plugin.Code
	}{
		{DaemonAlreadyPending, plugin.CodeNotSupported},
		{DaemonInvalidFile, plugin.CodeNotSupported},
		{DaemonNotSupported, plugin.CodeNotSupported},
		{DaemonAuthFailed, plugin.CodeAuthInvalid},
		{DaemonSignatureInvalid, plugin.CodeNoSecurity},
		{DaemonACPowerRequired, plugin.CodeACPowerRequired},
		{DaemonBatteryLevelTooLow, plugin.CodeBatteryTooLow},
		{DaemonInternal, plugin.CodeFailed},
		{DaemonNothingToDo, plugin.CodeFailed},
	}
	for _, tc := range cases {
		err := convertError(&DaemonError{DaemonCode: tc.daemon, Msg: "boom"})
		assert.Equal(t, tc.want, plugin.CodeOf(err), "daemon code %d", tc.daemon)
	}
}

func TestConvertErrorPassesClassifiedThrough(t *testing.T) {
	err := plugin.Errorf(plugin.CodeCancelled, "stopped")
	assert.Same(t, err, convertError(err).(*plugin.Error))
	assert.NoError(t, convertError(nil))
}

func TestConvertErrorWrapsUnknown(t *testing.T) {
	err := convertError(errors.New("socket closed"))
	assert.Equal(t, plugin.CodeFailed, plugin.CodeOf(err))
}

func TestIsNoResults(t *testing.T) {
	assert.True(t, isNoResults(&DaemonError{DaemonCode: DaemonNothingToDo}))
	assert.True(t, isNoResults(&DaemonError{DaemonCode: DaemonNotFound}))
	assert.True(t, isNoResults(&DaemonError{DaemonCode: DaemonNotSupported}))
	assert.False(t, isNoResults(&DaemonError{DaemonCode: DaemonInternal}))
	assert.False(t, isNoResults(errors.New("plain")))
}
