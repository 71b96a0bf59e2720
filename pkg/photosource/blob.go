package photosource

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/menta2k/sticker-maker/internal/utils"
	"github.com/menta2k/sticker-maker/pkg/processing"
	"github.com/menta2k/sticker-maker/pkg/types"
)

// Blob serves the images stored in an Azure blob container. Blob names are
// the identifiers.
type Blob struct {
	client    *azblob.Client
	container string
	prefix    string
	// MinQualityRatio grades deliveries; see DefaultMinQualityRatio.
	MinQualityRatio float64
}

// NewBlob creates a source over a container using shared key credentials.
func NewBlob(accountName, accountKey, containerName, prefix string) (*Blob, error) {
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

	return NewBlobWithClient(client, containerName, prefix), nil
}

// NewBlobWithClient creates a source from an existing client.
func NewBlobWithClient(client *azblob.Client, containerName, prefix string) *Blob {
	return &Blob{client: client, container: containerName, prefix: prefix, MinQualityRatio: DefaultMinQualityRatio}
}

// List implements Source.
func (b *Blob) List(ctx context.Context) ([]string, error) {
	var opts azblob.ListBlobsFlatOptions
	if b.prefix != "" {
		opts.Prefix = &b.prefix
	}

	var names []string
	pager := b.client.NewListBlobsFlatPager(b.container, &opts)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs: %w", err)
		}
		names = append(names, imageBlobs(page.Segment)...)
	}

	sort.Strings(names)
	return names, nil
}

func imageBlobs(segment *container.BlobFlatListSegment) []string {
	if segment == nil {
		return nil
	}
	var names []string
	for _, item := range segment.BlobItems {
		if item.Name != nil && utils.IsImageFile(*item.Name) {
			names = append(names, *item.Name)
		}
	}
	return names
}

// Fetch implements Source.
func (b *Blob) Fetch(ctx context.Context, id string, target types.Size) (*Fetched, error) {
	resp, err := b.client.DownloadStream(ctx, b.container, id, nil)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	body := resp.Body
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", id, err)
	}

	img, err := processing.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode blob %s: %w", id, err)
	}
	return deliver(id, img, target, b.MinQualityRatio), nil
}
