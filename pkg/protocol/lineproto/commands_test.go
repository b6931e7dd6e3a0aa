package lineproto

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/coyote/pkg/processor"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want command
	}{
		{"PING", command{verb: "PING"}},
		{"  echo  a b ", command{verb: "ECHO", arg: "a b"}},
		{"async 15", command{verb: "ASYNC", arg: "15"}},
		{"", command{}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseCommand(tt.line), "line %q", tt.line)
	}
}

func TestParseDelay(t *testing.T) {
	tests := []struct {
		arg      string
		optional bool
		want     time.Duration
		ok       bool
		wantErr  bool
	}{
		{arg: "0", want: 0, ok: true},
		{arg: "250", want: 250 * time.Millisecond, ok: true},
		{arg: "", optional: true},
		{arg: "", wantErr: true},
		{arg: "-1", wantErr: true},
		{arg: "1.5", wantErr: true},
		{arg: "3600001", wantErr: true},
	}
	for _, tt := range tests {
		d, ok, err := parseDelay(tt.arg, tt.optional)
		if tt.wantErr {
			assert.ErrorIs(t, err, errInvalidDelay, "arg %q", tt.arg)
			continue
		}
		require.NoError(t, err, "arg %q", tt.arg)
		assert.Equal(t, tt.want, d)
		assert.Equal(t, tt.ok, ok)
	}
}

func TestReadLine(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader("one\r\ntwo\n"+strings.Repeat("x", 64)), 16)

	line, err := readLine(r)
	require.NoError(t, err)
	assert.Equal(t, "one", line)

	line, err = readLine(r)
	require.NoError(t, err)
	assert.Equal(t, "two", line)

	_, err = readLine(r)
	var protoErr *processor.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, Name, protoErr.Protocol)
}
