// Package branches holds the reference branch table loaded on first start.
package branches

import (
	"context"
	_ "embed"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"

	"loanops/api/internal/store"
)

var logger = loggo.GetLogger("loanops.branches")

//go:embed branches.yaml
var seedYAML []byte

type seedFile struct {
	Branches []store.Branch `yaml:"branches"`
}

// Store is the subset of the document store the seeder writes to.
type Store interface {
	CountBranches(ctx context.Context) (int, error)
	UpsertBranch(ctx context.Context, branch store.Branch) error
}

// Defaults returns the embedded branch table.
func Defaults() ([]store.Branch, error) {
	return Parse(seedYAML)
}

// Parse decodes a branch table and rejects blank or repeated codes.
func Parse(data []byte) ([]store.Branch, error) {
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Annotate(err, "decode branch table")
	}
	seen := map[string]bool{}
	for i := range file.Branches {
		b := &file.Branches[i]
		b.Code = strings.ToUpper(strings.TrimSpace(b.Code))
		b.Name = strings.TrimSpace(b.Name)
		if b.Code == "" || b.Name == "" {
			return nil, errors.NotValidf("branch %d without code or name", i+1)
		}
		if seen[b.Code] {
			return nil, errors.NotValidf("duplicate branch code %q", b.Code)
		}
		seen[b.Code] = true
	}
	return file.Branches, nil
}

// Seed writes branches when the collection is empty, unless force is set.
// It returns the number written.
func Seed(ctx context.Context, st Store, branches []store.Branch, force bool) (int, error) {
	if !force {
		count, err := st.CountBranches(ctx)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if count > 0 {
			logger.Debugf("branches already present (%d), skipping seed", count)
			return 0, nil
		}
	}
	written := 0
	for _, branch := range branches {
		if err := st.UpsertBranch(ctx, branch); err != nil {
			return written, errors.Trace(err)
		}
		written++
	}
	logger.Infof("seeded %d branches", written)
	return written, nil
}
