package config

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/invoicemem/pkg/types"
)

//go:embed default_catalog.yaml
var defaultCatalogYAML []byte

// CurrencyMarker maps a symbol or code found in text to an ISO currency code.
type CurrencyMarker struct {
	Marker string `yaml:"marker"`
	Code   string `yaml:"code"`
}

// SKUHint suggests a SKU for line items whose description matches Pattern.
type SKUHint struct {
	Pattern string `yaml:"pattern"`
	SKU     string `yaml:"sku"`

	re *regexp.Regexp
}

// Match reports whether description matches the hint.
func (h SKUHint) Match(description string) bool {
	return h.re != nil && h.re.MatchString(description)
}

// VendorProfile seeds behavior flags for vendors whose name matches.
type VendorProfile struct {
	Match    string               `yaml:"match"`
	Behavior types.VendorBehavior `yaml:"behavior"`

	re *regexp.Regexp
}

// Catalog is the data-driven rule configuration consumed by the rule engine
// and the learn phase.
type Catalog struct {
	Version         int                 `yaml:"version"`
	DefaultVATRate  float64             `yaml:"defaultVatRate"`
	VATEvidence     []string            `yaml:"vatEvidence"`
	CurrencySymbols []CurrencyMarker    `yaml:"currencySymbols"`
	SKUHints        []SKUHint           `yaml:"skuHints"`
	FieldAliases    map[string][]string `yaml:"fieldAliases"`
	VendorProfiles  []VendorProfile     `yaml:"vendorProfiles"`

	vatEvidence []*regexp.Regexp
}

// LoadCatalog reads a YAML catalog from path. An empty path loads the
// embedded default catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalogYAML
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read catalog %s: %w", path, err)
		}
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the embedded catalog. It panics if the embedded
// YAML is invalid, which is a build defect.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseCatalog parses and compiles a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse catalog: %w", err)
	}
	if err := c.compile(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) compile() error {
	if c.DefaultVATRate <= 0 {
		c.DefaultVATRate = 0.19
	}

	c.vatEvidence = c.vatEvidence[:0]
	for _, expr := range c.VATEvidence {
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("config: vat evidence %q: %w", expr, err)
		}
		c.vatEvidence = append(c.vatEvidence, re)
	}

	for i := range c.SKUHints {
		re, err := regexp.Compile(c.SKUHints[i].Pattern)
		if err != nil {
			return fmt.Errorf("config: sku hint %q: %w", c.SKUHints[i].Pattern, err)
		}
		c.SKUHints[i].re = re
	}

	for i := range c.VendorProfiles {
		re, err := regexp.Compile(c.VendorProfiles[i].Match)
		if err != nil {
			return fmt.Errorf("config: vendor profile %q: %w", c.VendorProfiles[i].Match, err)
		}
		c.VendorProfiles[i].re = re
	}
	return nil
}

// HasVATEvidence reports whether any text matches a VAT-inclusive pattern.
func (c *Catalog) HasVATEvidence(texts ...string) bool {
	for _, re := range c.vatEvidence {
		for _, t := range texts {
			if re.MatchString(t) {
				return true
			}
		}
	}
	return false
}

// CurrencyIn returns the first currency whose marker appears in text.
func (c *Catalog) CurrencyIn(text string) (string, bool) {
	for _, m := range c.CurrencySymbols {
		if m.Marker != "" && containsMarker(text, m.Marker) {
			return m.Code, true
		}
	}
	return "", false
}

// SuggestSKU returns the SKU of the first hint matching description.
func (c *Catalog) SuggestSKU(description string) (string, bool) {
	for _, h := range c.SKUHints {
		if h.Match(description) {
			return h.SKU, true
		}
	}
	return "", false
}

// TargetFor returns the normalized field a metadata key is an alias of.
// Targets are checked in sorted order so that the result is deterministic.
func (c *Catalog) TargetFor(sourceKey string) (string, bool) {
	targets := make([]string, 0, len(c.FieldAliases))
	for target := range c.FieldAliases {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	for _, target := range targets {
		for _, alias := range c.FieldAliases[target] {
			if alias == sourceKey {
				return target, true
			}
		}
	}
	return "", false
}

// ProfileFor returns the behavior flags of the first profile matching name.
func (c *Catalog) ProfileFor(name string) (types.VendorBehavior, bool) {
	for _, p := range c.VendorProfiles {
		if p.re != nil && p.re.MatchString(name) {
			return p.Behavior, true
		}
	}
	return types.VendorBehavior{}, false
}

// containsMarker matches alphabetic markers as whole words and symbols anywhere.
func containsMarker(text, marker string) bool {
	if isAlpha(marker) {
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(marker) + `\b`)
		return re.MatchString(text)
	}
	return strings.Contains(text, marker)
}

func isAlpha(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return s != ""
}
