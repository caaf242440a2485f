package comfy

import (
	"encoding/base64"
	"encoding/json"
	mathrand "math/rand"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// SeedVariable is resolved from the template's seed mode, not from the
// caller mapping.
const SeedVariable = "seed"

// Variable is one value bound to a template placeholder. Text encodes
// as a single-line JSON string fragment, images as a png data url.
type Variable interface {
	encode() string
}

type TextVariable string

func (self TextVariable) encode() string {
	// trim end spaces and leading/trailing quotes, substitution happens
	// inside an already-quoted template slot
	s := strings.TrimSpace(string(self))
	s = strings.Trim(s, "\"")
	if s == "" {
		return ""
	}
	encoded, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(encoded[1 : len(encoded)-1])
}

type ImageVariable []byte

func (self ImageVariable) encode() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(self)
}

type IntVariable int64

func (self IntVariable) encode() string {
	return strconv.FormatInt(int64(self), 10)
}

// matches $(name:default) where name was never bound
var defaultPlaceholderRe = regexp.MustCompile(`\$\(([^:)]+):([^)]+)\)`)

// matches leftover $(name) and {name} slots with no binding and no default
var barePlaceholderRe = regexp.MustCompile(`\$\(([^:)]+)\)|\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// RenderTemplate substitutes every bound variable into the template,
// then resolves unbound $(name:default) placeholders to their default
// text. A bound variable always wins over a default written in the
// template. Unbound placeholders with no default become the empty
// string; this mirrors reserved-key behavior since nothing else in the
// protocol distinguishes the two cases.
func RenderTemplate(template string, variables map[string]Variable) string {
	names := maps.Keys(variables)
	slices.Sort(names)

	for _, name := range names {
		encoded := ""
		if value := variables[name]; value != nil {
			encoded = value.encode()
		}
		template = strings.ReplaceAll(template, "{"+name+"}", encoded)
		re := regexp.MustCompile(`\$\(` + regexp.QuoteMeta(name) + `(:[^)]*)?\)`)
		template = re.ReplaceAllLiteralString(template, encoded)
	}

	template = defaultPlaceholderRe.ReplaceAllStringFunc(template, func(match string) string {
		groups := defaultPlaceholderRe.FindStringSubmatch(match)
		return groups[2]
	})

	template = barePlaceholderRe.ReplaceAllLiteralString(template, "")

	return template
}

// PromptTemplate binds a job-graph template to a set of named
// variables and a seed mode.
type PromptTemplate struct {
	text       string
	variables  map[string]Variable
	randomSeed bool
	seed       int64
}

func NewPromptTemplate(text string) *PromptTemplate {
	return &PromptTemplate{
		text:      text,
		variables: map[string]Variable{},
	}
}

func (self *PromptTemplate) Set(name string, value Variable) {
	self.variables[name] = value
}

func (self *PromptTemplate) Get(name string) Variable {
	return self.variables[name]
}

func (self *PromptTemplate) SetSeed(seed int64) {
	self.seed = seed
	self.randomSeed = false
}

func (self *PromptTemplate) SetRandomSeed(randomSeed bool) {
	self.randomSeed = randomSeed
}

func (self *PromptTemplate) Seed() int64 {
	return self.seed
}

func (self *PromptTemplate) GenerateSeed() int64 {
	self.seed = int64(mathrand.Int31())
	return self.seed
}

// Render produces the concrete job payload. In random-seed mode every
// call draws a fresh seed, so repeated renders submit distinct jobs.
// The seed slot is assigned before any other substitution runs.
func (self *PromptTemplate) Render() string {
	if self.randomSeed {
		self.GenerateSeed()
	}
	self.variables[SeedVariable] = IntVariable(self.seed)
	return RenderTemplate(self.text, self.variables)
}
