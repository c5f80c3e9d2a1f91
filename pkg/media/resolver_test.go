package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolvePrecedence(t *testing.T) {
	tests := []struct {
		name     string
		declared string
		sniffed  string
		category Category
		wantMime string
		wantExt  string
	}{
		{
			name:     "sniffed wins over declared",
			declared: "image/jpeg",
			sniffed:  "image/png",
			category: CategoryImage,
			wantMime: "image/png",
			wantExt:  "png",
		},
		{
			name:     "sniffed wins over provider opaque tag",
			declared: "line",
			sniffed:  "image/png",
			category: CategoryImage,
			wantMime: "image/png",
			wantExt:  "png",
		},
		{
			name:     "generic sniff falls through to declared",
			declared: "image/webp",
			sniffed:  "application/octet-stream",
			category: CategoryImage,
			wantMime: "image/webp",
			wantExt:  "webp",
		},
		{
			name:     "declared rejected when category mismatches",
			declared: "video/mp4",
			sniffed:  "",
			category: CategoryImage,
			wantMime: "image/jpeg",
			wantExt:  "jpg",
		},
		{
			name:     "nothing usable takes the category default",
			declared: "line",
			sniffed:  "application/octet-stream",
			category: CategoryAudio,
			wantMime: "audio/mp4",
			wantExt:  "m4a",
		},
		{
			name:     "file category accepts application types",
			declared: "application/pdf",
			sniffed:  "",
			category: CategoryFile,
			wantMime: "application/pdf",
			wantExt:  "pdf",
		},
		{
			name:     "file category accepts text types",
			declared: "text/csv",
			sniffed:  "",
			category: CategoryFile,
			wantMime: "text/csv",
			wantExt:  "csv",
		},
		{
			name:     "file default is generic binary",
			declared: "",
			sniffed:  "",
			category: CategoryFile,
			wantMime: "application/octet-stream",
			wantExt:  "bin",
		},
		{
			name:     "parameters and case are normalized",
			declared: "",
			sniffed:  "Image/PNG; charset=binary",
			category: CategoryImage,
			wantMime: "image/png",
			wantExt:  "png",
		},
		{
			name:     "unknown sniffed type keeps mime with bin extension",
			declared: "",
			sniffed:  "image/x-exotic",
			category: CategoryImage,
			wantMime: "image/x-exotic",
			wantExt:  "bin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.declared, tt.sniffed, tt.category, "M123")
			assert.Equal(t, tt.wantMime, got.MimeType)
			assert.Equal(t, tt.wantExt, got.Extension)
			assert.Equal(t, string(tt.category)+"_M123."+tt.wantExt, got.Filename)
		})
	}
}

func TestResolveNeverEmpty(t *testing.T) {
	for _, category := range []Category{CategoryImage, CategoryVideo, CategoryAudio, CategoryFile} {
		got := Resolve("", "", category, "M1")
		assert.NotEmpty(t, got.MimeType, "category %s", category)
		assert.NotEmpty(t, got.Extension, "category %s", category)
		assert.NotEmpty(t, got.Filename, "category %s", category)
	}
}

func TestLimitsWithin(t *testing.T) {
	l := Limits{Image: 100, Video: 200}

	assert.True(t, l.Within(CategoryImage, 100))
	assert.False(t, l.Within(CategoryImage, 101))
	assert.True(t, l.Within(CategoryVideo, 150))

	// Zero ceiling means unlimited.
	assert.True(t, l.Within(CategoryAudio, 1<<40))
	assert.True(t, l.Within(CategoryFile, 1<<40))
}
