package bdd

import (
	"fmt"

	"github.com/cucumber/godog"
	"github.com/pensieve-mcp/pensieve/internal/testutil/cucumber"
)

const defaultPassword = "secret123"

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		a := &authSteps{s: s}
		ctx.Step(`^I am registered as "([^"]*)"$`, a.iAmRegisteredAs)
		ctx.Step(`^I log in as "([^"]*)" with password "([^"]*)"$`, a.iLogInAs)
		ctx.Step(`^I use the token "([^"]*)"$`, a.iUseTheToken)
	})
}

type authSteps struct {
	s *cucumber.TestScenario
}

// iAmRegisteredAs switches to name, registering the account on first use.
func (a *authSteps) iAmRegisteredAs(name string) error {
	u := a.s.SwitchUser(name)
	if u.Token != "" {
		return nil
	}
	if err := a.credentials("/auth/register", u.Email, defaultPassword); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	return nil
}

func (a *authSteps) iLogInAs(name, password string) error {
	u := a.s.SwitchUser(name)
	return a.credentials("/auth/login", u.Email, password)
}

func (a *authSteps) iUseTheToken(token string) error {
	u := a.s.User()
	if u == nil {
		return fmt.Errorf("no current user")
	}
	expanded, err := a.s.Expand(token)
	if err != nil {
		return err
	}
	u.Token = expanded
	return nil
}

// credentials posts to an auth endpoint and keeps the token of a 200 answer.
// Other answers stay in the session for the following assertions.
func (a *authSteps) credentials(path, email, password string) error {
	u := a.s.User()
	saved := u.Token
	u.Token = ""
	body := &godog.DocString{Content: fmt.Sprintf(`{"email": %q, "password": %q}`, email, password)}
	err := a.s.Send("POST", path, body, true)
	u.Token = saved
	if err != nil {
		return err
	}
	session := a.s.Session()
	if session.Resp.StatusCode != 200 {
		return nil
	}
	token, err := cucumber.Select(".access_token", mustJSON(session.RespJSON()))
	if err != nil {
		return err
	}
	u.Token, _ = token.(string)
	return nil
}

func mustJSON(v any, err error) any {
	if err != nil {
		return nil
	}
	return v
}
