package cucumber

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cucumber/godog"
)

func init() {
	StepModules = append(StepModules, func(ctx *godog.ScenarioContext, s *TestScenario) {
		ctx.Step(`^I am "([^"]*)"$`, s.iAm)
		ctx.Step(`^I am anonymous$`, s.iAmAnonymous)
		ctx.Step(`^I (GET|POST|PUT|DELETE|OPTIONS) path "([^"]*)"$`, s.sendHTTPRequest)
		ctx.Step(`^I (GET|POST|PUT|DELETE) path "([^"]*)" with json body:$`, s.SendHTTPRequestWithJSONBody)
		ctx.Step(`^I (GET|POST|PUT|DELETE) path "([^"]*)" with body:$`, s.sendHTTPRequestWithRawBody)
		ctx.Step(`^I set the "([^"]*)" header to "([^"]*)"$`, s.iSetTheHeaderTo)
	})
}

func (s *TestScenario) iAm(name string) error {
	s.SwitchUser(name)
	return nil
}

func (s *TestScenario) iAmAnonymous() error {
	s.CurrentUser = ""
	return nil
}

func (s *TestScenario) sendHTTPRequest(method, path string) error {
	return s.Send(method, path, nil, false)
}

func (s *TestScenario) SendHTTPRequestWithJSONBody(method, path string, doc *godog.DocString) error {
	return s.Send(method, path, doc, true)
}

func (s *TestScenario) sendHTTPRequestWithRawBody(method, path string, doc *godog.DocString) error {
	return s.Send(method, path, doc, false)
}

// Send issues a request as the current user. Headers set by steps apply to this
// request only.
func (s *TestScenario) Send(method, path string, doc *godog.DocString, jsonBody bool) error {
	session := s.Session()

	var body []byte
	if doc != nil {
		expanded, err := s.Expand(doc.Content)
		if err != nil {
			return err
		}
		body = []byte(expanded)
	}

	expandedPath, err := s.Expand(path)
	if err != nil {
		return err
	}
	target := expandedPath
	if u, err := url.Parse(expandedPath); err != nil || u.Scheme == "" {
		target = s.Suite.APIURL + expandedPath
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = session.Header
	session.Header = http.Header{}
	if jsonBody && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Authorization") == "" && session.User != nil && session.User.Token != "" {
		req.Header.Set("Authorization", "Bearer "+session.User.Token)
	}

	client := s.Suite.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, expandedPath, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	session.setResponse(resp, data)
	return nil
}

func (s *TestScenario) iSetTheHeaderTo(name, value string) error {
	expanded, err := s.Expand(value)
	if err != nil {
		return err
	}
	s.Session().Header.Set(name, expanded)
	return nil
}
