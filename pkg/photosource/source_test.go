package photosource

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/sticker-maker/pkg/types"
)

var target = types.Size{Width: 750, Height: 750}

func createTestImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{uint8(x % 256), uint8(y % 256), 90, 255})
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestGrade(t *testing.T) {
	tests := []struct {
		name   string
		native types.Size
		want   Quality
	}{
		{"larger than target", types.Size{Width: 4000, Height: 3000}, QualityHigh},
		{"exactly half on the long side", types.Size{Width: 375, Height: 100}, QualityHigh},
		{"thumbnail", types.Size{Width: 200, Height: 150}, QualityDegraded},
		{"empty", types.Size{}, QualityDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, grade(tt.native, target, DefaultMinQualityRatio))
		})
	}
	assert.Equal(t, QualityHigh, grade(types.Size{Width: 10, Height: 10}, types.Size{}, 0.5))
}

func TestDir_ListAndFetch(t *testing.T) {
	root := t.TempDir()
	writePNG(t, filepath.Join(root, "big.png"), createTestImage(1500, 1000))
	writePNG(t, filepath.Join(root, "pets", "tiny.png"), createTestImage(120, 80))
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.md"), []byte("x"), 0644))

	src := NewDir(root)
	ctx := context.Background()

	ids, err := src.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"big.png", "pets/tiny.png"}, ids)

	big, err := src.Fetch(ctx, "big.png", target)
	require.NoError(t, err)
	assert.Equal(t, "big.png", big.Image.ID)
	assert.Equal(t, QualityHigh, big.Quality)
	assert.Equal(t, types.Size{Width: 1500, Height: 1000}, big.Native)
	assert.Equal(t, types.Size{Width: 750, Height: 500}, big.Image.Size())
	assert.Equal(t, types.OrientationUp, big.Image.Orientation)

	tiny, err := src.Fetch(ctx, "pets/tiny.png", target)
	require.NoError(t, err)
	assert.Equal(t, QualityDegraded, tiny.Quality)
	assert.Equal(t, types.Size{Width: 120, Height: 80}, tiny.Image.Size())
}

func TestDir_FetchRejectsUnknownAndEscapingIDs(t *testing.T) {
	src := NewDir(t.TempDir())
	for _, id := range []string{"missing.png", "../etc/passwd", "/etc/passwd"} {
		_, err := src.Fetch(context.Background(), id, target)
		assert.True(t, errors.Is(err, ErrNotFound), id)
	}
}

func TestURL_Fetch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, createTestImage(900, 900), nil))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cat.jpg" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(buf.Bytes())
	}))
	defer server.Close()

	src := NewURL([]string{server.URL + "/cat.jpg", server.URL + "/gone.jpg"}, server.Client())
	ids, err := src.List(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 2)

	got, err := src.Fetch(context.Background(), ids[0], target)
	require.NoError(t, err)
	assert.Equal(t, QualityHigh, got.Quality)
	assert.Equal(t, types.Size{Width: 750, Height: 750}, got.Image.Size())

	_, err = src.Fetch(context.Background(), ids[1], target)
	assert.Error(t, err)
}

const listXML = `<?xml version="1.0" encoding="utf-8"?>
<EnumerationResults ServiceEndpoint="http://127.0.0.1/" ContainerName="photos">
  <Blobs>
    <Blob><Name>dog.png</Name><Properties></Properties></Blob>
    <Blob><Name>notes.txt</Name><Properties></Properties></Blob>
    <Blob><Name>cat.png</Name><Properties></Properties></Blob>
  </Blobs>
  <NextMarker />
</EnumerationResults>`

func TestBlob_ListAndFetch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, createTestImage(400, 300)))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/photos" && r.URL.Query().Get("comp") == "list":
			w.Header().Set("Content-Type", "application/xml")
			_, _ = w.Write([]byte(listXML))
		case r.URL.Path == "/photos/cat.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(buf.Bytes())
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := azblob.NewClientWithNoCredential(server.URL, nil)
	require.NoError(t, err)
	src := NewBlobWithClient(client, "photos", "")

	ids, err := src.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"cat.png", "dog.png"}, ids)

	got, err := src.Fetch(context.Background(), "cat.png", target)
	require.NoError(t, err)
	assert.Equal(t, "cat.png", got.Image.ID)
	assert.Equal(t, QualityHigh, got.Quality)
}
