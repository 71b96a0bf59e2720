package rembg

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Matte(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr bool
	}{
		{
			name: "cut-out returned",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, DefaultEndpoint, r.URL.Path)
				f, _, err := r.FormFile("file")
				if !assert.NoError(t, err) {
					return
				}
				src, err := png.Decode(f)
				if !assert.NoError(t, err) {
					return
				}

				// keep the left half
				b := src.Bounds()
				out := image.NewNRGBA(b)
				for y := 0; y < b.Dy(); y++ {
					for x := 0; x < b.Dx()/2; x++ {
						out.SetNRGBA(x, y, color.NRGBA{255, 255, 255, 255})
					}
				}
				w.Header().Set("Content-Type", "image/png")
				_ = png.Encode(w, out)
			},
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "model not loaded", http.StatusInternalServerError)
			},
			wantErr: true,
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("nope"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			img := image.NewNRGBA(image.Rect(0, 0, 20, 10))
			matte, err := NewClient(srv.URL + "/").Matte(context.Background(), img)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint8(255), matte.GrayAt(2, 5).Y)
			assert.Equal(t, uint8(0), matte.GrayAt(15, 5).Y)
		})
	}
}
