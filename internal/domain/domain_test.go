package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{name: "trimmed", input: "  alice  ", want: "alice"},
		{name: "empty", input: "   ", wantErr: ErrUsernameEmpty},
		{name: "too long", input: strings.Repeat("x", MaxUsernameLen+1), wantErr: ErrUsernameTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &User{ID: "u1", Username: "guest"}
			err := u.SetUsername(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, "guest", u.Username)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.Username)
		})
	}
}

func TestParseSourceTag(t *testing.T) {
	for _, s := range []string{"mic", "webcam", "screen", "screen-audio", "browser", "browser-audio"} {
		tag, err := ParseSourceTag(s)
		require.NoError(t, err, s)
		assert.Equal(t, SourceTag(s), tag)
	}
	_, err := ParseSourceTag("camera")
	assert.ErrorIs(t, err, ErrUnknownSourceTag)

	assert.Equal(t, KindAudio, SourceMic.Kind())
	assert.Equal(t, KindVideo, SourceScreen.Kind())
	assert.Equal(t, KindAudio, SourceBrowserAudio.Kind())
}

func TestFlagsFor(t *testing.T) {
	f := FlagsFor([]SourceTag{SourceMic, SourceScreenAudio})
	assert.Equal(t, VoiceFlags{Microphone: true, ScreenShare: true}, f)
	assert.Equal(t, VoiceFlags{}, FlagsFor(nil))
	assert.True(t, FlagsFor([]SourceTag{SourceBrowser}).BrowserShare)
	assert.True(t, FlagsFor([]SourceTag{SourceWebcam}).Camera)
}

func TestPermissions(t *testing.T) {
	p := ParsePermissions([]string{"manage_server", "speak", "bogus"})
	assert.True(t, p.HasAny(PermManageServer))
	assert.True(t, p.HasAny(PermSpeak|PermAdministrator))
	assert.False(t, p.HasAny(PermAdministrator|PermManageChannels))
	assert.True(t, TransportFailed.Fatal())
	assert.False(t, TransportDisconnected.Fatal())
	assert.True(t, DirectionRecv.Valid())
	assert.False(t, Direction("both").Valid())
}
