package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadOpcodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSyncFromQuery(&buf, SyncFromQuery{QueryID: 7}))

	op, err := ReadOpcode(&buf)
	require.NoError(t, err)
	require.Equal(t, OpSyncFromQuery, op)

	got, err := ReadSyncFromQuery(&buf)
	require.NoError(t, err)
	require.Equal(t, SyncFromQuery{QueryID: 7}, got)
}

func TestReadOpcodeUnknown(t *testing.T) {
	buf := bytes.NewBufferString("Z")
	_, err := ReadOpcode(buf)
	require.ErrorIs(t, err, ErrUnknownOpcode)
}

func TestMetadataPrefixRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMetadataPrefix(&buf, 42))

	op, err := ReadOpcode(&buf)
	require.NoError(t, err)
	require.Equal(t, OpMetadata, op)

	hdr, err := ReadMetadataPrefix(&buf)
	require.NoError(t, err)
	require.Equal(t, uint64(42), hdr.Version)
}

func TestSyncFromReplyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSyncFromReply(&buf, SyncFromReply{QueryID: 3, Version: 9}))

	op, err := ReadOpcode(&buf)
	require.NoError(t, err)
	require.Equal(t, OpSyncFromReply, op)

	got, err := ReadSyncFromReply(&buf)
	require.NoError(t, err)
	require.Equal(t, SyncFromReply{QueryID: 3, Version: 9}, got)
}

func TestSyncToQueryRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSyncToQuery(&buf, SyncToQuery{QueryID: 11, Version: 100}))

	op, err := ReadOpcode(&buf)
	require.NoError(t, err)
	require.Equal(t, OpSyncToQuery, op)

	got, err := ReadSyncToQuery(&buf)
	require.NoError(t, err)
	require.Equal(t, SyncToQuery{QueryID: 11, Version: 100}, got)
}

func TestSyncToReplyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSyncToReply(&buf, SyncToReply{QueryID: 5}))

	op, err := ReadOpcode(&buf)
	require.NoError(t, err)
	require.Equal(t, OpSyncToReply, op)

	got, err := ReadSyncToReply(&buf)
	require.NoError(t, err)
	require.Equal(t, SyncToReply{QueryID: 5}, got)
}

func TestReadOpcodeShortRead(t *testing.T) {
	_, err := ReadOpcode(bytes.NewReader(nil))
	require.Error(t, err)
}
