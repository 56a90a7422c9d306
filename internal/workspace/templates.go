package workspace

import (
	"context"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5"
)

// SyncTemplates populates the template directory from a git repository if
// the directory does not exist yet. A shallow clone is enough: templates
// are plain seed files, not a working checkout.
func SyncTemplates(ctx context.Context, templateDir, repoURL string) error {
	if repoURL == "" {
		return nil
	}
	if _, err := os.Stat(templateDir); err == nil {
		return nil
	}
	_, err := git.PlainCloneContext(ctx, templateDir, false, &git.CloneOptions{
		URL:   repoURL,
		Depth: 1,
	})
	if err != nil {
		return fmt.Errorf("clone template repo: %w", err)
	}
	return nil
}
