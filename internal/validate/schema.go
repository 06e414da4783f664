// Package validate scores scraped payloads for completeness, consistency,
// and freshness and classifies them as accepted, degraded, or rejected.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

// Result is the validator output for one payload.
type Result = scrape.ValidationResult

// Predicate is a named consistency check over decoded payload data.
type Predicate struct {
	Name  string
	Check func(data map[string]any) bool
}

// Schema describes the fields a payload is expected to carry.
type Schema struct {
	Name string
	// Required fields must be present and non-empty.
	Required []string
	// Numeric fields, when present, must be non-negative numbers.
	Numeric []string
	// Identifiers, when present, must match IdentifierPattern.
	Identifiers []string
	// TimestampField, when present, must not be in the future. It also
	// dates the payload for freshness scoring.
	TimestampField string
	// Custom predicates supplied by the schema owner.
	Custom []Predicate
}

// IdentifierPattern matches well-formed identifiers.
var IdentifierPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,64}$`)

// Validate reports schema definition mistakes.
func (s *Schema) Validate() error {
	if s == nil {
		return errors.New("schema is nil")
	}
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("schema name is required")
	}
	seen := make(map[string]struct{}, len(s.Required))
	for _, f := range s.Required {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("schema %q: empty required field", s.Name)
		}
		if _, dup := seen[f]; dup {
			return fmt.Errorf("schema %q: duplicate required field %q", s.Name, f)
		}
		seen[f] = struct{}{}
	}
	for _, p := range s.Custom {
		if p.Check == nil {
			return fmt.Errorf("schema %q: predicate %q has no check", s.Name, p.Name)
		}
	}
	return nil
}

// ProfileSchema is the built-in schema for social profile payloads.
func ProfileSchema() *Schema {
	return &Schema{
		Name:           "profile",
		Required:       []string{"id", "username", "display_name", "follower_count", "updated_at"},
		Numeric:        []string{"follower_count", "following_count", "post_count"},
		Identifiers:    []string{"id", "username"},
		TimestampField: "updated_at",
	}
}

// PostSchema is the built-in schema for social post payloads.
func PostSchema() *Schema {
	return &Schema{
		Name:           "post",
		Required:       []string{"id", "author_id", "text", "like_count", "created_at"},
		Numeric:        []string{"like_count", "share_count", "reply_count"},
		Identifiers:    []string{"id", "author_id"},
		TimestampField: "created_at",
	}
}
