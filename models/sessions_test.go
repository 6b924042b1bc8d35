package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseUploadStatus(t *testing.T) {
	s, err := ParseUploadStatus("in_progress")
	require.NoError(t, err)
	require.Equal(t, UploadStatusInProgress, s)

	_, err = ParseUploadStatus("pending")
	require.Error(t, err)
}

func TestUploadStatus_IsTerminal(t *testing.T) {
	require.False(t, UploadStatusCreated.IsTerminal())
	require.False(t, UploadStatusInProgress.IsTerminal())
	require.True(t, UploadStatusCompleted.IsTerminal())
	require.True(t, UploadStatusFailed.IsTerminal())
}

func TestUploadSession_Progress(t *testing.T) {
	require.Zero(t, UploadSession{}.Progress())
	require.EqualValues(t, 33, UploadSession{TotalChunks: 3, ReceivedChunks: 1}.Progress())
	require.EqualValues(t, 100, UploadSession{TotalChunks: 3, ReceivedChunks: 3}.Progress())
}
