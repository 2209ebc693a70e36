package sshfrontend

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDirLabel(t *testing.T) {
	require.Equal(t, "s→c", dirLabel(true))
	require.Equal(t, "c→s", dirLabel(false))
}

func TestPortStr(t *testing.T) {
	require.Equal(t, "22", portStr(22))
	require.Equal(t, "3389", portStr(3389))
}

func TestRecorderWritesOpenPayloadNoteAndCloseLines(t *testing.T) {
	dir := t.TempDir()
	rec, err := newRecorder(dir, "stay-1", time.Now())
	require.NoError(t, err)

	chanID := rec.OpenChannel("session")
	rec.Payload(chanID, dirLabel(true), []byte("hello"))
	rec.Note(chanID, "exec:uname -a")
	rec.CloseChannel(chanID, "")
	require.NoError(t, rec.Close())
	require.Greater(t, rec.Bytes(), int64(0))

	f, err := os.Open(rec.Path())
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var lines []recordLine
	for scanner.Scan() {
		var l recordLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &l))
		lines = append(lines, l)
	}
	require.Len(t, lines, 4)
	require.Equal(t, "open", lines[0].Kind)
	require.Equal(t, "s→c", lines[1].Kind)
	require.Equal(t, "exec:uname -a", lines[2].Reason)
	require.Equal(t, "close", lines[3].Kind)
	for _, l := range lines {
		require.Equal(t, chanID, l.Channel)
		require.Greater(t, l.T, int64(0))
	}
}

func TestRecorderAssignsDistinctChannelIDs(t *testing.T) {
	dir := t.TempDir()
	rec, err := newRecorder(dir, "stay-2", time.Now())
	require.NoError(t, err)

	id1 := rec.OpenChannel("session")
	id2 := rec.OpenChannel("direct_tcpip")
	require.NotEqual(t, id1, id2)
	require.NoError(t, rec.Close())
}
