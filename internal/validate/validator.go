package validate

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

// Score weights.
const (
	completenessWeight = 0.5
	consistencyWeight  = 0.3
	freshnessWeight    = 0.2
)

// FutureSkew is the tolerance allowed on timestamps ahead of the clock.
const FutureSkew = time.Minute

// Validator computes ValidationResults. It holds no mutable state.
type Validator struct {
	clock scrape.Clock
}

// New constructs a Validator using clock for "now".
func New(clock scrape.Clock) *Validator {
	if clock == nil {
		clock = utcClock{}
	}
	return &Validator{clock: clock}
}

// Validate scores payload against schema under the freshness requirement.
// The result is deterministic for a given payload, schema, freshness, and
// clock reading.
func (v *Validator) Validate(payload scrape.Payload, schema *Schema, freshness time.Duration) Result {
	now := v.clock.Now()
	data := payload.Data
	res := Result{}

	res.Completeness, res.MissingFields = completeness(data, schema.Required)

	checks := v.predicates(schema, now)
	passed := 0
	for _, p := range checks {
		if p.Check(data) {
			passed++
			continue
		}
		res.FailedChecks = append(res.FailedChecks, p.Name)
	}
	res.ConsistencyRatio = 1
	if len(checks) > 0 {
		res.ConsistencyRatio = float64(passed) / float64(len(checks))
	}

	stamp := payload.RetrievedAt
	if ts, ok := timestampOf(data, schema.TimestampField); ok {
		stamp = ts
	}
	if !stamp.IsZero() && now.After(stamp) {
		res.Age = now.Sub(stamp)
	}
	res.FreshnessDelta = res.Age - freshness
	res.FreshnessFactor = FreshnessFactor(res.Age, freshness)

	res.Score = Score(res.Completeness, res.ConsistencyRatio, res.FreshnessFactor)
	res.Class = scrape.Classify(res.Score)
	return res
}

// Score combines the three ratios into a 0-100 score rounded to six
// decimal places so classification boundaries compare exactly.
func Score(completeness, consistency, freshness float64) float64 {
	raw := 100 * (completenessWeight*completeness + consistencyWeight*consistency + freshnessWeight*freshness)
	return math.Round(raw*1e6) / 1e6
}

// FreshnessFactor is 1 while age is within freshness and decays linearly to
// 0 at twice the requirement. A non-positive requirement always yields 1.
func FreshnessFactor(age, freshness time.Duration) float64 {
	if freshness <= 0 || age <= freshness {
		return 1
	}
	f := 1 - float64(age-freshness)/float64(freshness)
	return math.Max(f, 0)
}

func completeness(data map[string]any, required []string) (float64, []string) {
	if len(required) == 0 {
		return 1, nil
	}
	var missing []string
	for _, field := range required {
		if isEmpty(data[field]) {
			missing = append(missing, field)
		}
	}
	return float64(len(required)-len(missing)) / float64(len(required)), missing
}

func (v *Validator) predicates(schema *Schema, now time.Time) []Predicate {
	checks := make([]Predicate, 0, len(schema.Numeric)+len(schema.Identifiers)+len(schema.Custom)+1)
	for _, field := range schema.Numeric {
		checks = append(checks, Predicate{
			Name:  field + ".non_negative",
			Check: absentOr(field, nonNegative),
		})
	}
	if schema.TimestampField != "" {
		field := schema.TimestampField
		checks = append(checks, Predicate{
			Name: field + ".not_future",
			Check: absentOr(field, func(val any) bool {
				ts, ok := parseTime(val)
				return ok && !ts.After(now.Add(FutureSkew))
			}),
		})
	}
	for _, field := range schema.Identifiers {
		checks = append(checks, Predicate{
			Name:  field + ".well_formed",
			Check: absentOr(field, wellFormed),
		})
	}
	return append(checks, schema.Custom...)
}

// absentOr passes vacuously when the field is missing; completeness already
// penalizes that.
func absentOr(field string, check func(any) bool) func(map[string]any) bool {
	return func(data map[string]any) bool {
		val, ok := data[field]
		if !ok || isEmpty(val) {
			return true
		}
		return check(val)
	}
}

func nonNegative(val any) bool {
	f, ok := toFloat(val)
	return ok && f >= 0
}

func wellFormed(val any) bool {
	switch v := val.(type) {
	case string:
		return IdentifierPattern.MatchString(v)
	case json.Number:
		return IdentifierPattern.MatchString(v.String())
	case float64:
		return v >= 0 && v == math.Trunc(v)
	case int, int32, int64:
		return reflect.ValueOf(v).Int() >= 0
	default:
		return false
	}
}

func isEmpty(val any) bool {
	if val == nil {
		return true
	}
	switch v := val.(type) {
	case string:
		return strings.TrimSpace(v) == ""
	case json.Number:
		return v == ""
	}
	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func toFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		return f, !math.IsNaN(f)
	}
	return 0, false
}

func timestampOf(data map[string]any, field string) (time.Time, bool) {
	if field == "" {
		return time.Time{}, false
	}
	val, ok := data[field]
	if !ok || val == nil {
		return time.Time{}, false
	}
	return parseTime(val)
}

// parseTime accepts time.Time, RFC 3339 strings, and Unix seconds.
func parseTime(val any) (time.Time, bool) {
	switch v := val.(type) {
	case time.Time:
		return v, !v.IsZero()
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
				return ts, true
			}
		}
		return time.Time{}, false
	}
	if secs, ok := toFloat(val); ok {
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(frac*1e9)).UTC(), true
	}
	return time.Time{}, false
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
