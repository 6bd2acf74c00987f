package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestTouchDirAll(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.False(t, Exist(dir))
	require.NoError(t, TouchDirAll(zaptest.NewLogger(t), dir))
	require.True(t, Exist(dir))
	require.NoError(t, CheckDirPermission(dir, PrivateDirMode))
	// existing dir with the expected mode
	require.NoError(t, TouchDirAll(zaptest.NewLogger(t), dir))
}

func TestTouchDirAllExistingOpenDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "open")
	require.NoError(t, os.Mkdir(dir, 0755))
	require.NoError(t, os.Chmod(dir, 0755))
	require.Error(t, CheckDirPermission(dir, PrivateDirMode))

	core, logs := observer.New(zapcore.WarnLevel)
	require.NoError(t, TouchDirAll(zap.New(core), dir))
	require.Equal(t, 1, logs.FilterMessage("check file permission").Len())

	require.NoError(t, TouchDirAll(nil, dir))
}
