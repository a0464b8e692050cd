// Package drive creates the Google Drive folders action artifacts are
// uploaded into.
package drive

import (
	"context"
	"fmt"

	"actionworker/pkg/config"
	"actionworker/pkg/logger"

	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const folderMimeType = "application/vnd.google-apps.folder"

// FolderCreator creates artifact folders below a parent folder
type FolderCreator struct {
	files       *gdrive.FilesService
	parentID    string
	urlTemplate string
}

// New authenticates with the service account key file of the uploader
func New(ctx context.Context, cfg config.ArtifactsConfig) (*FolderCreator, error) {
	if cfg.CredentialsFile == "" {
		return nil, fmt.Errorf("artifact credentials file not configured")
	}
	return NewWithOptions(ctx, cfg.ParentFolderID, cfg.FolderURLTemplate,
		option.WithCredentialsFile(cfg.CredentialsFile),
		option.WithScopes(gdrive.DriveScope),
	)
}

// NewWithOptions builds a creator with explicit client options
func NewWithOptions(ctx context.Context, parentID, urlTemplate string, opts ...option.ClientOption) (*FolderCreator, error) {
	srv, err := gdrive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive client: %w", err)
	}
	if urlTemplate == "" {
		urlTemplate = config.DefaultFolderURLTemplate
	}
	return &FolderCreator{
		files:       srv.Files,
		parentID:    parentID,
		urlTemplate: urlTemplate,
	}, nil
}

// CreateFolder creates a folder named name and returns its id
func (c *FolderCreator) CreateFolder(ctx context.Context, name string) (string, error) {
	folder := &gdrive.File{
		Name:     name,
		MimeType: folderMimeType,
	}
	if c.parentID != "" {
		folder.Parents = []string{c.parentID}
	}

	created, err := c.files.Create(folder).
		Fields("id").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("failed to create drive folder %q: %w", name, err)
	}
	if created.Id == "" {
		return "", fmt.Errorf("drive returned no id for folder %q", name)
	}
	logger.InfoCtx(ctx, "created artifact folder %s (%s)", name, created.Id)
	return created.Id, nil
}

// FolderURL is the browsable link of a folder
func (c *FolderCreator) FolderURL(id string) string {
	return fmt.Sprintf(c.urlTemplate, id)
}
