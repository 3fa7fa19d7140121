// Package schema validates ingress manifests against an embedded CUE schema
// before they are decoded into model.Manifest.
package schema

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/labeliq/internal/model"
)

//go:embed manifest.cue
var manifestCUE string

// ValidationError is one schema violation in a manifest document.
type ValidationError struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e ValidationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ManifestError collects every violation found in one document.
type ManifestError struct {
	Errors []ValidationError
}

func (e *ManifestError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		parts[i] = ve.Error()
	}
	return "invalid manifest: " + strings.Join(parts, "; ")
}

// Is reports ManifestError as model.ErrInvalidManifest.
func (e *ManifestError) Is(target error) bool {
	return target == model.ErrInvalidManifest
}

// Validator checks manifests. The compiled schema is shared; CUE values
// are not safe for concurrent use, so validation is serialized.
type Validator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// NewValidator compiles the embedded manifest schema.
func NewValidator() (*Validator, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(manifestCUE, cue.Filename("manifest.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	def := root.LookupPath(cue.ParsePath("#Manifest"))
	if !def.Exists() {
		return nil, fmt.Errorf("compile manifest schema: #Manifest not defined")
	}
	return &Validator{ctx: ctx, schema: def}, nil
}

// ParseManifest validates raw JSON against the schema and decodes it.
// Schema violations are returned as *ManifestError. Every error it returns
// matches model.ErrInvalidManifest.
func (v *Validator) ParseManifest(name string, data []byte) (model.Manifest, error) {
	if err := v.check(name, data); err != nil {
		return model.Manifest{}, err
	}

	var m model.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return model.Manifest{}, fmt.Errorf("%w: decode manifest: %w", model.ErrInvalidManifest, err)
	}
	if err := model.Validate(m); err != nil {
		return model.Manifest{}, fmt.Errorf("%w: %w", model.ErrInvalidManifest, err)
	}
	return m, nil
}

func (v *Validator) check(name string, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	doc := v.ctx.CompileBytes(data, cue.Filename(name))
	if err := doc.Err(); err != nil {
		return fmt.Errorf("%w: parse manifest %s: %w", model.ErrInvalidManifest, name, err)
	}
	unified := v.schema.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return toManifestError(err)
	}
	return nil
}

func toManifestError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &ManifestError{Errors: []ValidationError{{Path: "manifest", Message: err.Error()}}}
	}
	out := &ManifestError{}
	for _, e := range errs {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: e.Error(),
		}
		if ve.Path == "" {
			ve.Path = "manifest"
		}
		if positions := errors.Positions(e); len(positions) > 0 {
			ve.Pos = positions[0]
		}
		out.Errors = append(out.Errors, ve)
	}
	return out
}
