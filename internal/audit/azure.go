package audit

import (
	"bytes"
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/rs/zerolog/log"
)

// AzureUploader stores audit copies in an Azure Blob Storage container.
type AzureUploader struct {
	client    *azblob.Client
	container string
}

// NewAzureUploader validates the connection string and creates the client.
// No request is made until EnsureContainer or Upload is called.
func NewAzureUploader(connectionString, container string) (*AzureUploader, error) {
	if container == "" {
		return nil, fmt.Errorf("azure audit container name is required")
	}

	opts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: 3},
		},
	}
	client, err := azblob.NewClientFromConnectionString(connectionString, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &AzureUploader{client: client, container: container}, nil
}

// EnsureContainer creates the container if it does not exist.
func (a *AzureUploader) EnsureContainer(ctx context.Context) error {
	_, err := a.client.CreateContainer(ctx, a.container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("failed to create audit container %s: %w", a.container, err)
	}
	log.Debug().Str("container", a.container).Msg("audit container ready")
	return nil
}

// Location returns the azblob:// URI for a key.
func (a *AzureUploader) Location(key string) string {
	return fmt.Sprintf("azblob://%s/%s", a.container, key)
}

func (a *AzureUploader) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}

	opts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: &contentType,
		},
	}

	if _, err := a.client.UploadStream(ctx, a.container, key, bytes.NewReader(data), opts); err != nil {
		return "", fmt.Errorf("failed to upload blob %s: %w", key, err)
	}

	location := a.Location(key)
	log.Info().Str("location", location).Int("size", len(data)).Msg("audit copy stored")
	return location, nil
}
