package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// Blob uploads stickers and their sidecars to an Azure blob container.
// Uploads happen at commit; blobs uploaded before a failing upload remain.
type Blob struct {
	client    *azblob.Client
	container string
	prefix    string
	format    string
}

// NewBlob creates a store over a container using shared key credentials.
func NewBlob(accountName, accountKey, containerName, prefix, format string) (*Blob, error) {
	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("invalid azure credentials: %w", err)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(
		fmt.Sprintf("https://%s.blob.core.windows.net", accountName),
		credential,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return NewBlobWithClient(client, containerName, prefix, format), nil
}

// NewBlobWithClient creates a store from an existing client.
func NewBlobWithClient(client *azblob.Client, containerName, prefix, format string) *Blob {
	return &Blob{client: client, container: containerName, prefix: prefix, format: formatOrDefault(strings.ToLower(format))}
}

// Begin implements Store.
func (b *Blob) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &blobTx{store: b}, nil
}

type blobTx struct {
	buffer
	store *Blob
}

func (tx *blobTx) Commit(ctx context.Context) error {
	recs, err := tx.finish()
	if err != nil {
		return err
	}
	b := tx.store

	names, err := fileNames(recs, b.format)
	if err != nil {
		return err
	}

	for i, rec := range recs {
		data, err := encodeFor(rec, b.format)
		if err != nil {
			return err
		}
		name := names[i]
		meta, err := json.Marshal(Sidecar{
			ID:         rec.ID,
			File:       name,
			Format:     b.format,
			Detections: rec.Detections,
			Contour:    rec.Contour,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal sidecar for %s: %w", rec.ID, err)
		}

		if err := b.upload(ctx, name, data, contentType(b.format)); err != nil {
			return err
		}
		if err := b.upload(ctx, strings.TrimSuffix(name, path.Ext(name))+".json", meta, "application/json"); err != nil {
			return err
		}
	}
	return nil
}

func (b *Blob) upload(ctx context.Context, name string, data []byte, ct string) error {
	_, err := b.client.UploadBuffer(ctx, b.container, path.Join(b.prefix, name), data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &ct},
	})
	if err != nil {
		return fmt.Errorf("upload of %s failed: %w", name, err)
	}
	return nil
}
