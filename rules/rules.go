// Package rules implements the proxy's rule engine: ordered, predicate-based
// decisions over requests and responses used to decide whether traffic
// should be suspended for interception.
//
// Rules are evaluated in stable (load/append) order; the first rule whose
// conjunction of conditions all match short-circuits the evaluation. Rules
// persist to a JSON file via write-temp-then-rename, so a crash mid-write
// never corrupts the previous, valid file.
package rules

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Direction selects which rule list a Rule belongs to.
type Direction string

const (
	Request  Direction = "request"
	Response Direction = "response"
)

// Op is a predicate operator.
type Op string

const (
	OpEquals     Op = "equals"
	OpContains   Op = "contains"
	OpRegex      Op = "regex"
	OpStartsWith Op = "starts_with"
	OpInSet      Op = "in_set"
	// OpScript is a riftproxy extension beyond the distilled spec's operator
	// set: it evaluates a Lua boolean expression against the subject,
	// giving operators an escape hatch the structured predicates can't
	// express. See script.go.
	OpScript Op = "script"
)

// Field selects what part of the request/response a Condition inspects.
type Field string

const (
	FieldMethod Field = "method"
	FieldURL    Field = "url"
	FieldHost   Field = "host"
	FieldPath   Field = "path"
	FieldHeader Field = "header"
	FieldStatus Field = "status"
)

// Condition is one (field_selector, op, literal) predicate.
type Condition struct {
	Field      Field  `json:"field"`
	HeaderName string `json:"header_name,omitempty"` // only used when Field == FieldHeader
	Op         Op     `json:"op"`
	Value      string `json:"value"` // for in_set: comma-separated; for script: a Lua expression

	compiled *regexp.Regexp
}

// Rule is a conjunction of Conditions. A Rule matches a Subject only if
// every Condition matches.
type Rule struct {
	ID        string      `json:"id"`
	Enabled   bool        `json:"enabled"`
	Direction Direction   `json:"direction"`
	Condition []Condition `json:"conditions"`

	// disabledReason records why a rule with a malformed regex was forced
	// disabled when it was compiled. It is unexported and not serialized, so
	// it is not visible outside this package.
	disabledReason string
}

// Subject is the set of fields a rule's conditions are evaluated against.
type Subject struct {
	Method string
	URL    string
	Host   string
	Path   string
	Header http.Header
	Status int // 0 for requests
}

// persistedFile is the on-disk JSON shape.
type persistedFile struct {
	Request  []*Rule `json:"request"`
	Response []*Rule `json:"response"`
}

// Engine holds the request and response rule lists and persists them to
// path on every Set*Rules call.
type Engine struct {
	mu       sync.RWMutex
	path     string
	request  []*Rule
	response []*Rule
	logger   *slog.Logger
}

// New returns an engine that persists to path. If path already exists its
// contents are loaded; a missing file is not an error (an empty engine is
// returned and the file is created on first Set*Rules call).
func New(path string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{path: path, logger: logger}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return e, nil
		}
		return nil, fmt.Errorf("rules: reading %s: %w", path, err)
	}

	var pf persistedFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("rules: parsing %s: %w", path, err)
	}
	for _, r := range pf.Request {
		compileRule(r, logger)
	}
	for _, r := range pf.Response {
		compileRule(r, logger)
	}
	e.request = pf.Request
	e.response = pf.Response
	return e, nil
}

// compileRule precompiles regex conditions. A malformed regex disables the
// whole rule and logs a warning rather than aborting the engine.
func compileRule(r *Rule, logger *slog.Logger) {
	for i := range r.Condition {
		c := &r.Condition[i]
		if c.Op != OpRegex {
			continue
		}
		re, err := regexp.Compile(c.Value)
		if err != nil {
			r.Enabled = false
			r.disabledReason = fmt.Sprintf("malformed regex %q: %v", c.Value, err)
			logger.Warn("rules: disabling rule with malformed regex", "rule_id", r.ID, "pattern", c.Value, "err", err)
			return
		}
		c.compiled = re
	}
}

// RequestRules returns a snapshot of the request rule list.
func (e *Engine) RequestRules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, len(e.request))
	copy(out, e.request)
	return out
}

// ResponseRules returns a snapshot of the response rule list.
func (e *Engine) ResponseRules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, len(e.response))
	copy(out, e.response)
	return out
}

// SetRequestRules atomically replaces the request rule list and persists it.
func (e *Engine) SetRequestRules(rules []*Rule) error {
	for _, r := range rules {
		compileRule(r, e.logger)
	}
	e.mu.Lock()
	e.request = rules
	err := e.persistLocked()
	e.mu.Unlock()
	return err
}

// SetResponseRules atomically replaces the response rule list and persists it.
func (e *Engine) SetResponseRules(rules []*Rule) error {
	for _, r := range rules {
		compileRule(r, e.logger)
	}
	e.mu.Lock()
	e.response = rules
	err := e.persistLocked()
	e.mu.Unlock()
	return err
}

func (e *Engine) persistLocked() error {
	if e.path == "" {
		return nil
	}
	pf := persistedFile{Request: e.request, Response: e.response}
	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return fmt.Errorf("rules: encoding: %w", err)
	}

	dir := filepath.Dir(e.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("rules: creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".rules-*.json")
	if err != nil {
		return fmt.Errorf("rules: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("rules: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rules: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, e.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rules: renaming temp file into place: %w", err)
	}
	return nil
}

// ShouldInterceptRequest reports whether the request matches any enabled
// request rule.
func (e *Engine) ShouldInterceptRequest(method, rawURL string, header http.Header) bool {
	return e.evaluate(Request, subjectFor(method, rawURL, header, 0))
}

// ShouldInterceptResponse reports whether the response matches any enabled
// response rule.
func (e *Engine) ShouldInterceptResponse(status int, rawURL string, header http.Header) bool {
	return e.evaluate(Response, subjectFor("", rawURL, header, status))
}

func subjectFor(method, rawURL string, header http.Header, status int) Subject {
	s := Subject{Method: method, URL: rawURL, Header: header, Status: status}
	if u, err := url.Parse(rawURL); err == nil {
		s.Host = u.Host
		s.Path = u.Path
	}
	return s
}

func (e *Engine) evaluate(dir Direction, subj Subject) bool {
	e.mu.RLock()
	var rules []*Rule
	if dir == Request {
		rules = e.request
	} else {
		rules = e.response
	}
	snapshot := make([]*Rule, len(rules))
	copy(snapshot, rules)
	e.mu.RUnlock()

	for _, r := range snapshot {
		if !r.Enabled || r.Direction != dir {
			continue
		}
		if ruleMatches(r, subj) {
			return true
		}
	}
	return false
}

func ruleMatches(r *Rule, subj Subject) bool {
	if len(r.Condition) == 0 {
		return false
	}
	for _, c := range r.Condition {
		if !conditionMatches(c, subj) {
			return false
		}
	}
	return true
}

func conditionMatches(c Condition, subj Subject) bool {
	if c.Op == OpScript {
		ok, err := evalScript(c.Value, subj)
		if err != nil {
			return false
		}
		return ok
	}

	target := fieldValue(c, subj)
	switch c.Op {
	case OpEquals:
		return target == c.Value
	case OpContains:
		return strings.Contains(target, c.Value)
	case OpStartsWith:
		return strings.HasPrefix(target, c.Value)
	case OpRegex:
		if c.compiled == nil {
			return false
		}
		return c.compiled.MatchString(target)
	case OpInSet:
		for _, v := range strings.Split(c.Value, ",") {
			if target == strings.TrimSpace(v) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func fieldValue(c Condition, subj Subject) string {
	switch c.Field {
	case FieldMethod:
		return subj.Method
	case FieldURL:
		return subj.URL
	case FieldHost:
		return subj.Host
	case FieldPath:
		return subj.Path
	case FieldHeader:
		if subj.Header == nil {
			return ""
		}
		return subj.Header.Get(c.HeaderName)
	case FieldStatus:
		return strconv.Itoa(subj.Status)
	default:
		return ""
	}
}
