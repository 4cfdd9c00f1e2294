// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

type blobUploader interface {
	UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
}

// AzureSink writes archive objects to a blob container.
type AzureSink struct {
	client    blobUploader
	container string
}

// NewAzureSink authenticates with DefaultAzureCredential. endpoint replaces
// the account's public blob URL when set.
func NewAzureSink(account, container, endpoint string) (*AzureSink, error) {
	if container == "" {
		return nil, errors.New("azure archive requires a container")
	}
	serviceURL := endpoint
	if serviceURL == "" {
		if account == "" {
			return nil, errors.New("azure archive requires a storage account")
		}
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}
	return &AzureSink{client: client, container: container}, nil
}

func (a *AzureSink) Name() string { return BackendAzure }

func (a *AzureSink) Put(ctx context.Context, key string, body []byte, contentType string) error {
	encoding := "gzip"
	_, err := a.client.UploadBuffer(ctx, a.container, key, body, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType:     &contentType,
			BlobContentEncoding: &encoding,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload blob %s/%s: %w", a.container, key, err)
	}
	return nil
}
