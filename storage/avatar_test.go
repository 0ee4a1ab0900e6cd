package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvatarObjectKey(t *testing.T) {
	assert.Equal(t, "avatars", avatarObjectKey(nil))
	assert.Equal(t, "avatars/7", avatarObjectKey([]string{"7"}))
	assert.Equal(t, "avatars/7/profile", avatarObjectKey([]string{"", "/7/", "profile"}))
}

func TestAvatarContentTypeTable(t *testing.T) {
	ext, ok := avatarContentTypes["image/png"]
	require.True(t, ok)
	assert.Equal(t, ".png", ext)

	_, ok = avatarContentTypes["image/svg+xml"]
	assert.False(t, ok, "svg 可携带脚本,不应进入白名单")
}

func TestAvatarObjectKeyFromURL(t *testing.T) {
	store := &AvatarStorage{bucket: "omnisage", publicURL: "https://cdn.example.com"}

	key, ok := store.objectKey("https://cdn.example.com/omnisage/avatars/7/a.png")
	require.True(t, ok)
	assert.Equal(t, "avatars/7/a.png", key)

	key, ok = store.objectKey("avatars/7/a.png")
	require.True(t, ok)
	assert.Equal(t, "avatars/7/a.png", key)

	_, ok = store.objectKey("https://elsewhere.example.com/omnisage/avatars/7/a.png")
	assert.False(t, ok, "不属于本桶的地址不应被删除或签名")

	_, ok = store.objectKey("   ")
	assert.False(t, ok)
}

func TestFallbackExtension(t *testing.T) {
	assert.Equal(t, ".jpg", fallbackExtension("me.JPG"))
	assert.Equal(t, ".bin", fallbackExtension("no-extension"))
}

func TestAvatarUploadRequiresConfiguredStore(t *testing.T) {
	var store *AvatarStorage
	_, err := store.Upload(context.Background(), nil)
	require.Error(t, err)
}
