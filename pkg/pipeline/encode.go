package pipeline

import (
	"bytes"
	"image"
	"image/png"
	"sync"
)

// bufferPool lets concurrent encoders reuse their zlib and row buffers.
type bufferPool struct {
	pool sync.Pool
}

func (p *bufferPool) Get() *png.EncoderBuffer {
	b, _ := p.pool.Get().(*png.EncoderBuffer)
	return b
}

func (p *bufferPool) Put(b *png.EncoderBuffer) {
	p.pool.Put(b)
}

// Encoder writes stickers as PNG, keeping the alpha channel intact.
// It is safe for concurrent use.
type Encoder struct {
	enc png.Encoder
}

func NewEncoder(level png.CompressionLevel) *Encoder {
	return &Encoder{enc: png.Encoder{CompressionLevel: level, BufferPool: &bufferPool{}}}
}

// Encode returns the PNG bytes of img.
func (e *Encoder) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
