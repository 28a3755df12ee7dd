// Package cucumber is a godog harness for driving the pensieve HTTP API from
// feature files.
//
// Variables are scoped to the scenario. Each named user has its own session
// holding the last response and its bearer token; switching users switches the
// session. Scenarios may run concurrently, so every scenario gets a unique
// ${uid} to keep its accounts apart.
//
// Variable resolution supports:
//   - ${name}              scenario variable
//   - ${name.field}        nested field of a stored variable
//   - ${response}          the last response body
//   - ${response.field}    a gojq selection on the last response body
//   - ${value | pipe}      json, json_escape and string transformations
package cucumber

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/cucumber/godog/colors"
	"github.com/google/uuid"
	"github.com/itchyny/gojq"
	"github.com/pmezard/go-difflib/difflib"
)

func NewTestSuite() *TestSuite {
	return &TestSuite{APIURL: "http://localhost:8000"}
}

func DefaultOptions() godog.Options {
	return godog.Options{
		Output:      colors.Colored(os.Stdout),
		Format:      "progress",
		Paths:       []string{"features"},
		Randomize:   time.Now().UTC().UnixNano(),
		Concurrency: 4,
		Strict:      true,
	}
}

// ApplyReportOptions writes junit XML to $GODOG_REPORT_DIR/<test name>.xml when
// the variable is set. The returned func closes the report.
func ApplyReportOptions(opts *godog.Options, testName string) func() {
	reportDir := os.Getenv("GODOG_REPORT_DIR")
	if reportDir == "" {
		return func() {}
	}
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return func() {}
	}
	f, err := os.Create(filepath.Join(reportDir, strings.ReplaceAll(testName, "/", "-")+".xml"))
	if err != nil {
		return func() {}
	}
	opts.Output = f
	opts.Format = "junit"
	return func() { _ = f.Close() }
}

// TestSuite holds state shared by every scenario of a run.
type TestSuite struct {
	APIURL   string
	TestingT *testing.T
	Client   *http.Client
}

// TestUser is an account a scenario acts as.
type TestUser struct {
	Name  string
	Email string
	Token string
}

// TestScenario holds state for a single scenario. Not accessed concurrently.
type TestScenario struct {
	Suite       *TestSuite
	CurrentUser string
	Variables   map[string]any
	Users       map[string]*TestUser
	sessions    map[string]*TestSession
}

// TestSession is the HTTP state of one user, like a browser tab.
type TestSession struct {
	User      *TestUser
	Header    http.Header
	Resp      *http.Response
	RespBytes []byte
	respJSON  any
}

// RespJSON returns the last response body as parsed JSON.
func (s *TestSession) RespJSON() (any, error) {
	if s.respJSON == nil {
		if s.RespBytes == nil {
			return nil, fmt.Errorf("no response body")
		}
		if err := json.Unmarshal(s.RespBytes, &s.respJSON); err != nil {
			return nil, fmt.Errorf("error parsing response json: %w\njson was:\n%s", err, s.RespBytes)
		}
	}
	return s.respJSON, nil
}

func (s *TestSession) setResponse(resp *http.Response, body []byte) {
	s.Resp = resp
	s.RespBytes = body
	s.respJSON = nil
}

func (s *TestScenario) Logf(format string, args ...any) {
	if s.Suite.TestingT != nil {
		s.Suite.TestingT.Logf(format, args...)
	}
}

// User returns the current user, nil when acting anonymously.
func (s *TestScenario) User() *TestUser {
	return s.Users[s.CurrentUser]
}

func (s *TestScenario) Session() *TestSession {
	session := s.sessions[s.CurrentUser]
	if session == nil {
		session = &TestSession{User: s.User(), Header: http.Header{}}
		s.sessions[s.CurrentUser] = session
	}
	return session
}

// SwitchUser makes name the current user, creating it when needed.
func (s *TestScenario) SwitchUser(name string) *TestUser {
	u := s.Users[name]
	if u == nil {
		u = &TestUser{Name: name, Email: fmt.Sprintf("%s-%s@example.com", strings.ToLower(name), s.Variables["uid"])}
		s.Users[name] = u
	}
	s.CurrentUser = name
	s.Session().User = u
	return u
}

// StepModules register steps with each new scenario.
var StepModules []func(ctx *godog.ScenarioContext, s *TestScenario)

func (suite *TestSuite) InitializeScenario(ctx *godog.ScenarioContext) {
	s := &TestScenario{
		Suite:     suite,
		Users:     map[string]*TestUser{},
		sessions:  map[string]*TestSession{},
		Variables: map[string]any{"uid": uuid.NewString()[:8]},
	}
	for _, module := range StepModules {
		module(ctx, s)
	}
}

func (s *TestScenario) JSONMustMatch(actual, expected string, expand bool) error {
	actualParsed, expectedParsed, err := s.parsePair(actual, expected, expand)
	if err != nil {
		return err
	}
	if !reflect.DeepEqual(expectedParsed, actualParsed) {
		return fmt.Errorf("actual does not match expected, diff:\n%s", jsonDiff(expectedParsed, actualParsed))
	}
	return nil
}

// JSONMustContain checks that every field of expected is present in actual.
// Arrays must have equal length and are compared element by element.
func (s *TestScenario) JSONMustContain(actual, expected string, expand bool) error {
	actualParsed, expectedParsed, err := s.parsePair(actual, expected, expand)
	if err != nil {
		return err
	}
	if err := jsonSubset(expectedParsed, actualParsed, ""); err != nil {
		return fmt.Errorf("actual does not contain expected.\n  mismatch: %s\n  diff:\n%s", err, jsonDiff(expectedParsed, actualParsed))
	}
	return nil
}

func (s *TestScenario) parsePair(actual, expected string, expand bool) (any, any, error) {
	var actualParsed any
	if err := json.Unmarshal([]byte(actual), &actualParsed); err != nil {
		return nil, nil, fmt.Errorf("error parsing actual json: %w\njson was:\n%s", err, actual)
	}
	if expand {
		var err error
		if expected, err = s.Expand(expected); err != nil {
			return nil, nil, err
		}
	}
	if strings.TrimSpace(expected) == "" {
		return nil, nil, fmt.Errorf("expected json not specified, actual json was:\n%s", indent(actualParsed))
	}
	var expectedParsed any
	if err := json.Unmarshal([]byte(expected), &expectedParsed); err != nil {
		return nil, nil, fmt.Errorf("error parsing expected json: %w\njson was:\n%s", err, expected)
	}
	return actualParsed, expectedParsed, nil
}

func indent(v any) string {
	data, _ := json.MarshalIndent(v, "", "  ")
	return string(data)
}

func jsonDiff(expected, actual any) string {
	return textDiff(indent(expected), indent(actual))
}

func textDiff(expected, actual string) string {
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(expected),
		B:        difflib.SplitLines(actual),
		FromFile: "Expected",
		ToFile:   "Actual",
		Context:  1,
	})
	return diff
}

func jsonSubset(expected, actual any, path string) error {
	switch exp := expected.(type) {
	case nil:
		if actual != nil {
			return fmt.Errorf("at %s: expected null, got %v", pathOrRoot(path), actual)
		}
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return fmt.Errorf("at %s: expected object, got %T", pathOrRoot(path), actual)
		}
		for key, expVal := range exp {
			actVal, exists := act[key]
			if !exists {
				return fmt.Errorf("at %s: missing key %q", pathOrRoot(path), key)
			}
			if err := jsonSubset(expVal, actVal, path+"."+key); err != nil {
				return err
			}
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return fmt.Errorf("at %s: expected array, got %T", pathOrRoot(path), actual)
		}
		if len(exp) != len(act) {
			return fmt.Errorf("at %s: expected array length %d, got %d", pathOrRoot(path), len(exp), len(act))
		}
		for i := range exp {
			if err := jsonSubset(exp[i], act[i], fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	default:
		if !reflect.DeepEqual(expected, actual) {
			return fmt.Errorf("at %s: expected %v (%T), got %v (%T)", pathOrRoot(path), expected, expected, actual, actual)
		}
	}
	return nil
}

func pathOrRoot(path string) string {
	return "$" + path
}

// Expand replaces ${...} references in value.
func (s *TestScenario) Expand(value string) (result string, rerr error) {
	return os.Expand(value, func(name string) string {
		res, err := s.ResolveString(name)
		if err != nil && rerr == nil {
			rerr = err
		}
		return res
	}), rerr
}

func (s *TestScenario) ResolveString(name string) (string, error) {
	value, err := s.Resolve(name)
	if err != nil {
		return "", err
	}
	return ToString(value)
}

func ToString(value any) (string, error) {
	switch value := value.(type) {
	case string:
		return value, nil
	case bool:
		return strconv.FormatBool(value), nil
	case int, int64:
		return fmt.Sprintf("%d", value), nil
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64), nil
	case nil:
		return "", nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *TestScenario) Resolve(name string) (any, error) {
	pipes := strings.Split(name, "|")
	for i := range pipes {
		pipes[i] = strings.TrimSpace(pipes[i])
	}
	name, pipes = pipes[0], pipes[1:]

	if len(name) >= 2 && name[0] == '"' && name[len(name)-1] == '"' {
		return pipeline(pipes, name[1:len(name)-1], nil)
	}

	if name == "response" || strings.HasPrefix(name, "response.") || strings.HasPrefix(name, "response[") {
		doc, err := s.Session().RespJSON()
		if err != nil {
			return pipeline(pipes, nil, err)
		}
		if name == "response" {
			return pipeline(pipes, doc, nil)
		}
		value, err := Select(strings.TrimPrefix(name, "response"), doc)
		return pipeline(pipes, value, err)
	}

	parts := strings.Split(name, ".")
	value, found := s.Variables[parts[0]]
	if !found {
		return pipeline(pipes, nil, fmt.Errorf("variable ${%s} not defined yet", parts[0]))
	}
	for _, part := range parts[1:] {
		var err error
		if value, err = selectChild(value, part); err != nil {
			return pipeline(pipes, nil, err)
		}
	}
	return pipeline(pipes, value, nil)
}

// Select runs a gojq selector against doc and returns its first result.
func Select(selector string, doc any) (any, error) {
	if !strings.HasPrefix(selector, ".") {
		selector = "." + selector
	}
	query, err := gojq.Parse(selector)
	if err != nil {
		return nil, err
	}
	next, found := query.Run(doc).Next()
	if !found {
		return nil, fmt.Errorf("no node matches selector: %s", selector)
	}
	if err, ok := next.(error); ok {
		return nil, fmt.Errorf("selector %s: %w", selector, err)
	}
	return next, nil
}

func selectChild(value any, key string) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		child, ok := v[key]
		if !ok {
			return nil, fmt.Errorf("map key %s not found", key)
		}
		return child, nil
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(v) {
			return nil, fmt.Errorf("slice index %s out of range", key)
		}
		return v[i], nil
	case *TestUser:
		switch key {
		case "Name":
			return v.Name, nil
		case "Email":
			return v.Email, nil
		case "Token":
			return v.Token, nil
		}
	}
	return nil, fmt.Errorf("can't navigate to '%s' on type %T", key, value)
}

func pipeline(pipes []string, value any, err error) (any, error) {
	for _, pipe := range pipes {
		fn := PipeFunctions[pipe]
		if fn == nil {
			return nil, fmt.Errorf("unknown pipe: %s", pipe)
		}
		value, err = fn(value, err)
	}
	return value, err
}

var PipeFunctions = map[string]func(any, error) (any, error){
	"json": func(value any, err error) (any, error) {
		if err != nil {
			return value, err
		}
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(value); err != nil {
			return value, err
		}
		return strings.TrimSpace(buf.String()), nil
	},
	"json_escape": func(value any, err error) (any, error) {
		if err != nil {
			return value, err
		}
		data, err := json.Marshal(fmt.Sprintf("%v", value))
		if err != nil {
			return value, err
		}
		return strings.TrimSuffix(strings.TrimPrefix(string(data), `"`), `"`), nil
	},
	"string": func(value any, err error) (any, error) {
		if err != nil {
			return value, err
		}
		return fmt.Sprintf("%v", value), nil
	},
}

// ResetSessions drops all per-user HTTP state. Scenarios built outside
// InitializeScenario must call it before sending requests.
func (s *TestScenario) ResetSessions() {
	s.sessions = map[string]*TestSession{}
}
