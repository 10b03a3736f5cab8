// Package generator produces plausible fake identity records. Every record
// of a campaign carries the protected person's real name with invented
// addresses, phones and emails around it.
package generator

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/unclebandit/miasma-console/internal/model"
)

// MaxProfiles caps a single generation request.
const MaxProfiles = 500

// Template narrows what Profile generates.
type Template struct {
	State  string
	MinAge int
	MaxAge int
	Gender string
}

type Generator struct {
	mu     sync.Mutex
	rnd    *rand.Rand
	states []string
	now    func() time.Time
}

// New returns a generator seeded with seed. Equal seeds give equal output.
func New(seed uint64) *Generator {
	return &Generator{
		rnd:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		states: states(),
		now:    time.Now,
	}
}

func pick[T any](r *rand.Rand, xs []T) T {
	return xs[r.IntN(len(xs))]
}

// oneTwoThree draws 1, 2 or 3 weighted 30/50/20.
func oneTwoThree(r *rand.Rand) int {
	switch x := r.Float64(); {
	case x < 0.3:
		return 1
	case x < 0.8:
		return 2
	default:
		return 3
	}
}

// triangular samples the triangular distribution on [lo, hi] with the given mode.
func triangular(r *rand.Rand, lo, hi, mode float64) float64 {
	u := r.Float64()
	c := (mode - lo) / (hi - lo)
	if u < c {
		return lo + math.Sqrt(u*(hi-lo)*(mode-lo))
	}
	return hi - math.Sqrt((1-u)*(hi-lo)*(hi-mode))
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

func (g *Generator) location(state string) location {
	if state != "" {
		var in []location
		for _, l := range locations {
			if l.state == state {
				in = append(in, l)
			}
		}
		if len(in) > 0 {
			return pick(g.rnd, in)
		}
	}
	return pick(g.rnd, locations)
}

func (g *Generator) emails(first, last, middle string) []string {
	f, l := strings.ToLower(first), strings.ToLower(last)
	patterns := []string{
		f + "." + l,
		f[:1] + l,
		f + l[:1],
		f + "_" + l,
		f + l,
		l + "." + f,
		fmt.Sprintf("%s%d", f, 1+g.rnd.IntN(99)),
		fmt.Sprintf("%s.%s%d", f, l, 1+g.rnd.IntN(999)),
	}
	if middle != "" {
		patterns = append(patterns, f+"."+strings.ToLower(middle[:1])+"."+l)
	}
	g.rnd.Shuffle(len(patterns), func(i, j int) { patterns[i], patterns[j] = patterns[j], patterns[i] })

	n := oneTwoThree(g.rnd)
	out := make([]string, 0, n)
	for _, local := range patterns[:n] {
		out = append(out, strings.ReplaceAll(local, " ", "")+"@"+g.emailDomain())
	}
	return out
}

func (g *Generator) emailDomain() string {
	x := g.rnd.Float64()
	for _, d := range emailDomains {
		if x < d.weight {
			return d.value
		}
		x -= d.weight
	}
	return emailDomains[0].value
}

func (g *Generator) relatives(last string) []string {
	n := 2 + g.rnd.IntN(4)
	out := make([]string, 0, n)
	for range n {
		relLast := last
		if g.rnd.Float64() >= 0.6 {
			relLast = pick(g.rnd, lastNames)
		}
		first := pick(g.rnd, maleFirstNames)
		if g.rnd.IntN(2) == 0 {
			first = pick(g.rnd, femaleFirstNames)
		}
		out = append(out, first+" "+relLast)
	}
	return out
}

func (g *Generator) profile(t Template) model.Profile {
	r := g.rnd
	gender := t.Gender
	if gender != "M" && gender != "F" {
		gender = pick(r, []string{"M", "F"})
	}
	names := femaleFirstNames
	if gender == "M" {
		names = maleFirstNames
	}
	first := pick(r, names)
	var middle string
	if r.Float64() < 0.7 {
		middle = pick(r, names)
	}
	last := pick(r, lastNames)

	age := clamp(int(triangular(r, 21, 85, 42)), 21, 85)
	if t.MinAge > 0 && t.MaxAge >= t.MinAge {
		if t.MaxAge == t.MinAge {
			age = t.MinAge
		} else {
			mid := float64(t.MinAge+t.MaxAge) / 2
			age = clamp(int(triangular(r, float64(t.MinAge), float64(t.MaxAge), mid)), t.MinAge, t.MaxAge)
		}
	}
	now := g.now()
	dob := time.Date(now.Year()-age, time.Month(1+r.IntN(12)), 1+r.IntN(28), 0, 0, 0, 0, time.UTC)

	var addresses []map[string]any
	usedZips := map[string]bool{}
	for i := range oneTwoThree(r) {
		loc := g.location(t.State)
		for attempt := 0; usedZips[loc.zip] && attempt < 10; attempt++ {
			loc = g.location(t.State)
		}
		usedZips[loc.zip] = true
		kind := "previous"
		if i == 0 {
			kind = "current"
		}
		addresses = append(addresses, map[string]any{
			"street": fmt.Sprintf("%d %s %s", 100+r.IntN(19900), pick(r, streetNames), pick(r, streetSuffixes)),
			"city":   loc.city,
			"state":  loc.state,
			"zip":    loc.zip,
			"type":   kind,
		})
	}

	phoneTypes := []string{"mobile", "home", "work"}
	var phones []map[string]any
	for i := range oneTwoThree(r) {
		state := addresses[i%len(addresses)]["state"].(string)
		loc := g.location(state)
		phones = append(phones, map[string]any{
			"number": fmt.Sprintf("(%s) %d-%d", loc.areaCode, 200+r.IntN(800), 1000+r.IntN(9000)),
			"type":   phoneTypes[i],
		})
	}

	employment := map[string]any{"employer": nil, "title": nil}
	if r.Float64() < 0.75 {
		employment = map[string]any{"employer": pick(r, employers), "title": pick(r, jobTitles)}
	}

	var middleName any
	if middle != "" {
		middleName = middle
	}
	return model.Profile{
		"first_name":    first,
		"last_name":     last,
		"middle_name":   middleName,
		"age":           age,
		"date_of_birth": dob.Format(time.DateOnly),
		"gender":        gender,
		"addresses":     addresses,
		"phone_numbers": phones,
		"emails":        g.emails(first, last, middle),
		"relatives":     g.relatives(last),
		"employment":    employment,
	}
}

// Profiles generates count unrelated profiles, avoiding duplicate names
// where a few retries allow it.
func (g *Generator) Profiles(count int, t Template) []model.Profile {
	g.mu.Lock()
	defer g.mu.Unlock()
	count = clamp(count, 0, MaxProfiles)
	out := make([]model.Profile, 0, count)
	seen := map[string]bool{}
	for range count {
		var p model.Profile
		for attempt := 0; attempt < 5; attempt++ {
			p = g.profile(t)
			key := p["first_name"].(string) + " " + p["last_name"].(string)
			if !seen[key] {
				seen[key] = true
				break
			}
		}
		out = append(out, p)
	}
	return out
}

// Target describes the protected person.
type Target struct {
	FirstName string
	LastName  string
	State     string
	Age       int
}

// ForTarget generates count profiles that all carry the target's name. About
// 30% land in the target's state, the rest elsewhere; ages stay within seven
// years of the real age.
func (g *Generator) ForTarget(target Target, count int) []model.Profile {
	g.mu.Lock()
	defer g.mu.Unlock()
	count = clamp(count, 0, MaxProfiles)
	out := make([]model.Profile, 0, count)
	for range count {
		var t Template
		if target.State != "" {
			if g.rnd.Float64() < 0.3 {
				t.State = target.State
			} else {
				t.State = g.otherState(target.State)
			}
		}
		if target.Age > 0 {
			t.MinAge = max(21, target.Age-7)
			t.MaxAge = min(85, target.Age+7)
		}
		p := g.profile(t)
		p["first_name"] = target.FirstName
		p["last_name"] = target.LastName
		middle, _ := p["middle_name"].(string)
		p["emails"] = g.emails(target.FirstName, target.LastName, middle)
		p["relatives"] = g.relatives(target.LastName)
		out = append(out, p)
	}
	return out
}

func (g *Generator) otherState(not string) string {
	for {
		s := pick(g.rnd, g.states)
		if s != not {
			return s
		}
	}
}

// Preview answers a preview request: target profiles when a full name is
// given, unrelated ones otherwise.
func (g *Generator) Preview(req model.PreviewRequest) []model.Profile {
	if req.TargetFirstName != nil && req.TargetLastName != nil &&
		*req.TargetFirstName != "" && *req.TargetLastName != "" {
		t := Target{FirstName: *req.TargetFirstName, LastName: *req.TargetLastName}
		if req.TargetState != nil {
			t.State = strings.ToUpper(*req.TargetState)
		}
		if req.TargetAge != nil {
			t.Age = *req.TargetAge
		}
		return g.ForTarget(t, req.Count)
	}
	var tmpl Template
	if req.TargetState != nil {
		tmpl.State = strings.ToUpper(*req.TargetState)
	}
	return g.Profiles(req.Count, tmpl)
}
