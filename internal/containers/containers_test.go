package containers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectNoContainersIsPermanentError(t *testing.T) {
	_, err := Select(Config{}, MethodDefault)
	require.NotNil(t, err)
	assert.True(t, err.Permanent())
}

func TestSelectOnlyStorageIgnoresRequestedMethod(t *testing.T) {
	cfg := Config{Containers: []string{"https://a/c1", "https://a/c2"}}
	rot, err := Select(cfg, MethodLake)
	require.Nil(t, err)
	assert.Equal(t, 2, rot.Len())
	assert.Equal(t, KindStorage, rot.Next().Kind)
}

func TestSelectOnlyLakeIgnoresRequestedMethod(t *testing.T) {
	cfg := Config{LakeFolders: []string{"https://a/f1"}}
	rot, err := Select(cfg, MethodStorage)
	require.Nil(t, err)
	assert.Equal(t, KindLake, rot.Next().Kind)
}

func TestSelectBothDefaultsToPreferredUploadMethod(t *testing.T) {
	cfg := Config{
		Containers:            []string{"https://a/c1"},
		LakeFolders:           []string{"https://a/f1"},
		PreferredUploadMethod: "Lake",
	}
	rot, err := Select(cfg, MethodDefault)
	require.Nil(t, err)
	assert.Equal(t, KindLake, rot.Next().Kind)

	cfg.PreferredUploadMethod = "Storage"
	rot, err = Select(cfg, MethodDefault)
	require.Nil(t, err)
	assert.Equal(t, KindStorage, rot.Next().Kind)

	cfg.PreferredUploadMethod = "" // anything other than "Lake" means Storage
	rot, err = Select(cfg, MethodDefault)
	require.Nil(t, err)
	assert.Equal(t, KindStorage, rot.Next().Kind)
}

func TestSelectBothExplicitMethodOverridesPreference(t *testing.T) {
	cfg := Config{
		Containers:            []string{"https://a/c1"},
		LakeFolders:           []string{"https://a/f1"},
		PreferredUploadMethod: "Storage",
	}
	rot, err := Select(cfg, MethodLake)
	require.Nil(t, err)
	assert.Equal(t, KindLake, rot.Next().Kind)
}

func TestRotationIsRoundRobinAndSharedAcrossCallers(t *testing.T) {
	cfg := Config{Containers: []string{"https://a/c1", "https://a/c2", "https://a/c3"}}
	rot, err := Select(cfg, MethodStorage)
	require.Nil(t, err)

	seen := make([]string, 6)
	for i := range seen {
		seen[i] = rot.Next().Path
	}
	assert.Equal(t, []string{"https://a/c1", "https://a/c2", "https://a/c3", "https://a/c1", "https://a/c2", "https://a/c3"}, seen)
}
