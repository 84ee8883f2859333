package fragment

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Domain names of the built-in fragments.
const (
	DomainPackages = "packages"
	DomainServices = "services"
	DomainFiles    = "files"
	DomainStartup  = "startup"
)

// PackageItem is the schema of one packages-fragment item. The item key is
// the package name.
type PackageItem struct {
	// Ensure is the desired presence: present or absent.
	Ensure string `attr:"ensure" validate:"omitempty,oneof=present absent"`

	// Version is the observed package version; informational.
	Version string `attr:"version"`

	// Source is the package source (apt).
	Source string `attr:"source" validate:"omitempty,oneof=apt"`
}

// ServiceItem is the schema of one services-fragment item. The item key is
// the unit name.
type ServiceItem struct {
	// Enabled is the boot enablement flag.
	Enabled string `attr:"enabled" validate:"required,oneof=true false"`

	// Running is the runtime flag.
	Running string `attr:"running" validate:"required,oneof=true false"`
}

// FileItem is the schema of one files-fragment item. The item key is the
// absolute file path.
type FileItem struct {
	// Content is the full file content for text files under the size cap.
	Content string `attr:"content"`

	// Hash is the sha256 content hash, hex, truncated to 16 chars.
	Hash string `attr:"hash" validate:"omitempty,hexadecimal,len=16"`

	// Mode is the octal permission string, e.g. "0644".
	Mode string `attr:"mode" validate:"omitempty,len=4"`

	// Size is the file size in bytes, decimal.
	Size string `attr:"size" validate:"omitempty,number"`
}

// StartupItem is the schema of the single startup-fragment item, keyed
// "crontab". The whole block is one atomic value.
type StartupItem struct {
	// Content is the full crontab text.
	Content string `attr:"content"`
}

// SchemaError reports a desired fragment that failed schema validation.
// Schema errors are fatal for that fragment's planner pass; other domains
// are unaffected.
type SchemaError struct {
	// Domain is the fragment domain that failed validation.
	Domain string

	// Key is the offending item key, empty for fragment-level problems.
	Key string

	// Err is the underlying validation error.
	Err error
}

func (e *SchemaError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("schema violation in %s fragment, item %q: %v", e.Domain, e.Key, e.Err)
	}
	return fmt.Sprintf("schema violation in %s fragment: %v", e.Domain, e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func itemValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// schemaShapes maps each built-in domain to its item schema prototype and
// allowed attribute keys.
var schemaShapes = map[string]func() (any, map[string]bool){
	DomainPackages: func() (any, map[string]bool) {
		return &PackageItem{}, map[string]bool{"ensure": true, "version": true, "source": true}
	},
	DomainServices: func() (any, map[string]bool) {
		return &ServiceItem{}, map[string]bool{"enabled": true, "running": true}
	},
	DomainFiles: func() (any, map[string]bool) {
		return &FileItem{}, map[string]bool{"content": true, "hash": true, "mode": true, "size": true}
	},
	DomainStartup: func() (any, map[string]bool) {
		return &StartupItem{}, map[string]bool{"content": true}
	},
}

// Validate checks a fragment against its domain schema. Desired fragments
// must pass before planning; violations are never silently coerced.
func Validate(f *Fragment) error {
	shape, ok := schemaShapes[f.Domain]
	if !ok {
		return &SchemaError{Domain: f.Domain, Err: fmt.Errorf("unknown domain")}
	}

	for _, key := range f.Keys() {
		attrs := f.Items[key]

		proto, allowed := shape()
		for attr := range attrs {
			if !allowed[attr] {
				return &SchemaError{
					Domain: f.Domain,
					Key:    key,
					Err:    fmt.Errorf("unknown attribute %q", attr),
				}
			}
		}

		if err := decodeAttrs(attrs, proto); err != nil {
			return &SchemaError{Domain: f.Domain, Key: key, Err: err}
		}
		if err := itemValidator().Struct(proto); err != nil {
			return &SchemaError{Domain: f.Domain, Key: key, Err: err}
		}
	}
	return nil
}

// DecodePackage decodes a packages item into its typed form.
func DecodePackage(attrs Attrs) PackageItem {
	return PackageItem{
		Ensure:  attrs["ensure"],
		Version: attrs["version"],
		Source:  attrs["source"],
	}
}

// DecodeService decodes a services item into its typed form.
func DecodeService(attrs Attrs) ServiceItem {
	return ServiceItem{
		Enabled: attrs["enabled"],
		Running: attrs["running"],
	}
}

// DecodeFile decodes a files item into its typed form.
func DecodeFile(attrs Attrs) FileItem {
	return FileItem{
		Content: attrs["content"],
		Hash:    attrs["hash"],
		Mode:    attrs["mode"],
		Size:    attrs["size"],
	}
}

// decodeAttrs fills a schema prototype from the flat attribute map. The
// attr struct tags document which attribute feeds which field.
func decodeAttrs(attrs Attrs, proto any) error {
	switch p := proto.(type) {
	case *PackageItem:
		*p = DecodePackage(attrs)
	case *ServiceItem:
		*p = DecodeService(attrs)
	case *FileItem:
		*p = DecodeFile(attrs)
	case *StartupItem:
		*p = StartupItem{Content: attrs["content"]}
	default:
		return fmt.Errorf("unsupported schema prototype %T", proto)
	}
	return nil
}
