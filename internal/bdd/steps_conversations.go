package bdd

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cucumber/godog"
	"github.com/pensieve-mcp/pensieve/internal/testutil/cucumber"
)

func init() {
	cucumber.StepModules = append(cucumber.StepModules, func(ctx *godog.ScenarioContext, s *cucumber.TestScenario) {
		c := &conversationSteps{s: s}
		ctx.Step(`^I have a conversation with messages:$`, c.iHaveAConversationWith)
		ctx.Step(`^I store it as \${([^}]*)}$`, c.iStoreItAs)
		ctx.Step(`^I append (\d+) messages to \${([^}]*)} concurrently$`, c.iAppendConcurrently)
		ctx.Step(`^the response should be a list of (\d+) items?$`, c.theResponseShouldBeAListOf)
	})
}

type conversationSteps struct {
	s      *cucumber.TestScenario
	lastID string
}

// iHaveAConversationWith creates a conversation from a role/content table.
func (c *conversationSteps) iHaveAConversationWith(table *godog.Table) error {
	var parts []string
	for i, row := range table.Rows {
		if i == 0 {
			continue
		}
		if len(row.Cells) != 2 {
			return fmt.Errorf("row %d: expected role and content cells", i)
		}
		parts = append(parts, fmt.Sprintf(`{"role": %q, "content": %q}`, row.Cells[0].Value, row.Cells[1].Value))
	}
	body := &godog.DocString{Content: `{"messages": [` + strings.Join(parts, ",") + `]}`}
	if err := c.s.Send("POST", "/conversations", body, true); err != nil {
		return err
	}
	session := c.s.Session()
	if session.Resp.StatusCode != 200 {
		return fmt.Errorf("create conversation: %d %s", session.Resp.StatusCode, session.RespBytes)
	}
	doc, err := session.RespJSON()
	if err != nil {
		return err
	}
	id, err := cucumber.Select(".id", doc)
	if err != nil {
		return err
	}
	c.lastID, _ = id.(string)
	// Some backends keep millisecond timestamps; keep creation order observable.
	time.Sleep(2 * time.Millisecond)
	return nil
}

func (c *conversationSteps) iStoreItAs(name string) error {
	if c.lastID == "" {
		return fmt.Errorf("no conversation created yet")
	}
	c.s.Variables[name] = c.lastID
	return nil
}

// iAppendConcurrently fires n single-message appends at once. Each request
// gets its own scenario copy since sessions are not safe for concurrent use.
func (c *conversationSteps) iAppendConcurrently(n int, name string) error {
	id, err := c.s.ResolveString(name)
	if err != nil {
		return err
	}
	user := c.s.User()
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			worker := &cucumber.TestScenario{
				Suite:     c.s.Suite,
				Variables: map[string]any{},
				Users:     map[string]*cucumber.TestUser{user.Name: user},
			}
			worker.CurrentUser = user.Name
			worker.ResetSessions()
			body := &godog.DocString{Content: fmt.Sprintf(`[{"role": "user", "content": "concurrent %d"}]`, i)}
			if err := worker.Send("POST", "/conversations/"+id+"/messages", body, true); err != nil {
				errs <- err
				return
			}
			if code := worker.Session().Resp.StatusCode; code != 200 {
				errs <- fmt.Errorf("append %d: status %d", i, code)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	if err, ok := <-errs; ok {
		return err
	}
	return nil
}

func (c *conversationSteps) theResponseShouldBeAListOf(n int) error {
	doc, err := c.s.Session().RespJSON()
	if err != nil {
		return err
	}
	list, ok := doc.([]any)
	if !ok {
		return fmt.Errorf("expected a json array, got %T", doc)
	}
	if len(list) != n {
		return fmt.Errorf("expected %d items, got %d: %s", n, len(list), c.s.Session().RespBytes)
	}
	return nil
}
