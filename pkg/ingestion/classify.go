// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingestion

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/kraklabs/sepasync/pkg/tabular"
)

// BannerRule picks one banner of a multi-banner commerce by keyword.
type BannerRule struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

// BrandRule recognizes one brand. A rule with Banners is a conglomerate:
// rows it claims are resolved to the first banner whose keywords match,
// or to DefaultBanner.
type BrandRule struct {
	Name          string       `yaml:"name"`
	CommerceIDs   []string     `yaml:"commerce_ids,omitempty"`
	Keywords      []string     `yaml:"keywords,omitempty"`
	CUITs         []string     `yaml:"cuits,omitempty"`
	Banners       []BannerRule `yaml:"banners,omitempty"`
	DefaultBanner string       `yaml:"default_banner,omitempty"`
}

func (r BrandRule) conglomerate() bool { return len(r.Banners) > 0 }

// DefaultBrands is the closed set of recognized brands. Order matters:
// keywords overlap across brands and the first matching rule wins.
func DefaultBrands() []BrandRule {
	return []BrandRule{
		{Name: "Carrefour", CommerceIDs: []string{"10"}, Keywords: []string{"inc s.a.", "carrefour"}, CUITs: []string{"30687310434"}},
		{Name: "ChangoMas", CommerceIDs: []string{"11"}, Keywords: []string{"dorinka srl", "changomas", "walmart"}, CUITs: []string{"30678138300"}},
		{Name: "Dia", CommerceIDs: []string{"15"}, Keywords: []string{"dia argentina s.a."}, CUITs: []string{"30685849751"}},
		{Name: "Coto", Keywords: []string{"coto c.i.c.s.a.", "coto cicsa"}},
		{
			Name:        "Cencosud",
			CommerceIDs: []string{"9"},
			Keywords:    []string{"cencosud"},
			Banners: []BannerRule{
				{Name: "Jumbo", Keywords: []string{"jumbo"}},
				{Name: "Disco", Keywords: []string{"disco"}},
				{Name: "Vea", Keywords: []string{"vea"}},
			},
			DefaultBanner: "Jumbo",
		},
	}
}

var commerceIDPattern = regexp.MustCompile(`comercio-sepa-(\d+)_`)

// CommerceIDFromName extracts the commerce id embedded in an inner archive name.
func CommerceIDFromName(name string) string {
	m := commerceIDPattern.FindStringSubmatch(strings.ToLower(name))
	if m == nil {
		return ""
	}
	return m[1]
}

// Classifier assigns branch rows to brands.
type Classifier struct {
	rules  []BrandRule
	byID   map[string]int
	region *Region
}

// NewClassifier builds a classifier over rules and region.
func NewClassifier(rules []BrandRule, region *Region) *Classifier {
	byID := make(map[string]int)
	for i, r := range rules {
		for _, id := range r.CommerceIDs {
			if _, dup := byID[id]; !dup {
				byID[id] = i
			}
		}
	}
	return &Classifier{rules: rules, byID: byID, region: region}
}

// Brand resolves the brand of a branch row. commerceID comes from the
// containing archive name and may be empty.
func (c *Classifier) Brand(commerceID string, row tabular.Row) (string, bool) {
	if i, ok := c.byID[commerceID]; ok && !c.rules[i].conglomerate() {
		return c.rules[i].Name, true
	}

	legal := strings.ToLower(row.Get(ColLegalName))
	name := strings.ToLower(row.Get(ColBranchName))
	cuit := digitsOnly(row.Get(ColCUIT))

	idx := -1
	if i, ok := c.byID[commerceID]; ok {
		idx = i
	} else {
		for i, r := range c.rules {
			if r.matches(legal, name, cuit) {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return "", false
	}

	rule := c.rules[idx]
	if !rule.conglomerate() {
		return rule.Name, true
	}
	for _, b := range rule.Banners {
		if containsAny(legal, b.Keywords) || containsAny(name, b.Keywords) {
			return b.Name, true
		}
	}
	return rule.DefaultBanner, rule.DefaultBanner != ""
}

// Accept reports whether a branch lies inside the target region.
func (c *Classifier) Accept(row tabular.Row) bool {
	if c.region == nil {
		return true
	}
	return c.region.Accept(row.Get(ColProvince), row.Get(ColLocality))
}

func (r BrandRule) matches(legal, name, cuit string) bool {
	if containsAny(legal, r.Keywords) || containsAny(name, r.Keywords) {
		return true
	}
	if cuit == "" {
		return false
	}
	for _, c := range r.CUITs {
		if digitsOnly(c) == cuit {
			return true
		}
	}
	return false
}

func containsAny(s string, keywords []string) bool {
	if s == "" {
		return false
	}
	for _, k := range keywords {
		if k != "" && strings.Contains(s, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// RegionConfig lists the names that identify the target region.
type RegionConfig struct {
	Capital    []string `yaml:"capital"`
	Province   []string `yaml:"province"`
	Localities []string `yaml:"localities"`
}

// DefaultRegion targets the capital district plus La Plata and the northern
// suburbs of the surrounding province.
func DefaultRegion() RegionConfig {
	return RegionConfig{
		Capital:  []string{"C", "AR-C", "CABA", "Capital Federal", "Ciudad Autonoma de Buenos Aires", "Ciudad de Buenos Aires"},
		Province: []string{"B", "AR-B", "Buenos Aires", "Provincia de Buenos Aires", "Bs As", "Bs. As."},
		Localities: []string{
			"La Plata", "City Bell", "Gonnet", "Manuel B. Gonnet", "Tolosa", "Los Hornos", "Villa Elisa",
			"San Isidro", "Martinez", "Acassuso", "Beccar", "Boulogne", "Boulogne Sur Mer",
			"Vicente Lopez", "Olivos", "Florida", "Munro", "La Lucila", "Carapachay", "Villa Adelina",
			"San Fernando", "Victoria", "Virreyes",
			"Tigre", "Don Torcuato", "General Pacheco", "Benavidez", "Nordelta", "El Talar", "Rincon de Milberg",
			"San Martin", "General San Martin", "Villa Ballester", "Jose Leon Suarez", "San Andres", "Billinghurst",
		},
	}
}

// Region is a compiled RegionConfig. Matching ignores case and accents.
type Region struct {
	capital    map[string]struct{}
	province   map[string]struct{}
	localities map[string]struct{}
}

// NewRegion compiles cfg.
func NewRegion(cfg RegionConfig) *Region {
	return &Region{
		capital:    foldSet(cfg.Capital),
		province:   foldSet(cfg.Province),
		localities: foldSet(cfg.Localities),
	}
}

// Accept applies the region predicate: any capital branch, or a province
// branch in an allowed locality.
func (r *Region) Accept(province, locality string) bool {
	p := Fold(province)
	if _, ok := r.capital[p]; ok {
		return true
	}
	if _, ok := r.province[p]; !ok {
		return false
	}
	_, ok := r.localities[Fold(locality)]
	return ok
}

func foldSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[Fold(v)] = struct{}{}
	}
	return out
}

// Fold lower-cases s, strips accents and collapses whitespace.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// BranchKey identifies a branch within one inner archive.
type BranchKey struct {
	CommerceID string
	BannerID   string
	BranchID   string
}

// KeyOf builds the composite key of a branch or product row.
func KeyOf(row tabular.Row) BranchKey {
	return BranchKey{
		CommerceID: row.Get(ColCommerceID),
		BannerID:   row.Get(ColBannerID),
		BranchID:   row.Get(ColBranchID),
	}
}

// BranchKeys maps the branches accepted in one archive's branch pass to
// their brand. It is rebuilt for every inner archive.
type BranchKeys map[BranchKey]string
