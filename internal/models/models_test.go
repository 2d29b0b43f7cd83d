package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowedType(t *testing.T) {
	assert.True(t, AllowedType("image/jpeg"))
	assert.True(t, AllowedType("video/mp4"))
	assert.True(t, AllowedType("VIDEO/MP4"))
	assert.True(t, AllowedType("video/webm;codecs=vp9"))
	assert.False(t, AllowedType("application/pdf"))
	assert.False(t, AllowedType("text/html"))
	assert.False(t, AllowedType(""))
}

func TestIsVideoType(t *testing.T) {
	assert.True(t, IsVideoType("video/mp4"))
	assert.True(t, IsVideoType("video/quicktime"))
	assert.False(t, IsVideoType("image/png"))
	assert.False(t, IsVideoType(""))
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".jpg", ExtensionFor("photo.JPG", "image/jpeg"))
	assert.Equal(t, ".mp4", ExtensionFor("clip", "video/mp4"))
	assert.Equal(t, ".webp", ExtensionFor("", "image/webp"))
	assert.Equal(t, ".bin", ExtensionFor("", "application/octet-stream"))
}
