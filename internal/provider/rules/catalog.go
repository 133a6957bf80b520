package rules

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource []byte

// Catalog is the on-disk campaign list.
type Catalog struct {
	Campaigns []Campaign `json:"campaigns" yaml:"campaigns" validate:"dive"`
}

// Campaign is one in-app message with its delivery rules.
type Campaign struct {
	ID        string         `json:"id" yaml:"id" validate:"required"`
	Priority  *int           `json:"priority,omitempty" yaml:"priority,omitempty" validate:"omitempty,gte=0"`
	StartDate *time.Time     `json:"startDate,omitempty" yaml:"startDate,omitempty"`
	EndDate   *time.Time     `json:"endDate,omitempty" yaml:"endDate,omitempty"`
	Trigger   Trigger        `json:"trigger" yaml:"trigger"`
	Caps      Caps           `json:"caps,omitzero" yaml:"caps,omitempty"`
	Content   map[string]any `json:"content,omitempty" yaml:"content,omitempty"`
}

// Trigger selects the events a campaign reacts to.
//
// Attributes maps an event attribute to its accepted values; an empty list
// only requires the attribute to be present. Every metric condition must
// hold.
type Trigger struct {
	Event      string              `json:"event" yaml:"event" validate:"required"`
	Attributes map[string][]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Metrics    []MetricCondition   `json:"metrics,omitempty" yaml:"metrics,omitempty" validate:"dive"`
}

// MetricCondition compares one event metric against Value.
type MetricCondition struct {
	Name  string  `json:"name" yaml:"name" validate:"required"`
	Op    string  `json:"op" yaml:"op" validate:"required,oneof=eq gt gte lt lte"`
	Value float64 `json:"value" yaml:"value"`
}

// Caps limits how often a campaign is displayed. Zero means unlimited.
type Caps struct {
	Session int `json:"session,omitempty" yaml:"session,omitempty" validate:"gte=0"`
	Daily   int `json:"daily,omitempty" yaml:"daily,omitempty" validate:"gte=0"`
	Total   int `json:"total,omitempty" yaml:"total,omitempty" validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadCatalog reads a catalog from path. The format follows the extension:
// .yaml/.yml (unknown fields rejected), .json, or .cue (checked against the
// embedded schema).
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var catalog Catalog
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&catalog); err != nil {
			return nil, fmt.Errorf("parse catalog %s: %w", path, err)
		}
	case ".json":
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&catalog); err != nil {
			return nil, fmt.Errorf("parse catalog %s: %w", path, err)
		}
	case ".cue":
		if err := decodeCUE(path, data, &catalog); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("parse catalog %s: unsupported extension %q", path, ext)
	}

	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return &catalog, nil
}

func decodeCUE(path string, data []byte, catalog *Catalog) error {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile catalog schema: %w", err)
	}

	value := ctx.CompileBytes(data, cue.Filename(path))
	if err := value.Err(); err != nil {
		return fmt.Errorf("parse catalog %s: %w", path, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Catalog")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("catalog %s does not match schema: %w", path, err)
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return fmt.Errorf("export catalog %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, catalog); err != nil {
		return fmt.Errorf("decode catalog %s: %w", path, err)
	}
	return nil
}

// Validate checks struct constraints, unique ids and date windows.
func (c *Catalog) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}

	seen := make(map[string]bool, len(c.Campaigns))
	for _, campaign := range c.Campaigns {
		if seen[campaign.ID] {
			return fmt.Errorf("invalid catalog: duplicate campaign %q", campaign.ID)
		}
		seen[campaign.ID] = true

		if campaign.StartDate != nil && campaign.EndDate != nil && !campaign.EndDate.After(*campaign.StartDate) {
			return fmt.Errorf("invalid catalog: campaign %q ends before it starts", campaign.ID)
		}
	}
	return nil
}
