package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	SetPrincipal(principal string)
	Principal() string
	UniqueName(name string) string
	GET(path string) error
	POST(path string, body any) error
	PUT(path string, body any) error
	DELETE(path string) error
	RequestAs(principal, method, path string, body any) (int, error)
	GetLastResponseStatus() int
	GetLastResponseBody() []byte
	GetResponseField(field string) (any, error)
}

// RegisterSteps registers name registry step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &registrySteps{tc: tc}

	ctx.Step(`^I register "([^"]*)"$`, steps.register)
	ctx.Step(`^I register "([^"]*)" with metadata "([^"]*)"$`, steps.registerWithMetadata)
	ctx.Step(`^"([^"]*)" has registered "([^"]*)"$`, steps.hasRegistered)
	ctx.Step(`^I destroy "([^"]*)"$`, steps.destroy)
	ctx.Step(`^I destroy "([^"]*)" by identifier$`, steps.destroyByIdentifier)
	ctx.Step(`^I look up "([^"]*)"$`, steps.lookup)
	ctx.Step(`^I check whether "([^"]*)" is available$`, steps.availability)
	ctx.Step(`^I transfer "([^"]*)" to "([^"]*)"$`, steps.transfer)
	ctx.Step(`^I set the cost to (\d+)$`, steps.setCost)
	ctx.Step(`^I check my pending withdrawals$`, steps.pending)
	ctx.Step(`^I run the consistency check$`, steps.consistency)
	ctx.Step(`^(\d+) principals race to register "([^"]*)"$`, steps.race)

	ctx.Step(`^"([^"]*)" should be owned by "([^"]*)"$`, steps.shouldBeOwnedBy)
	ctx.Step(`^exactly one registration should succeed$`, steps.exactlyOneWinner)
}

type registrySteps struct {
	tc          TestContext
	identifiers map[string]string
	raceWins    int
}

func (s *registrySteps) path(name string) string {
	return "/names/" + url.PathEscape(s.tc.UniqueName(name))
}

func (s *registrySteps) register(ctx context.Context, name string) error {
	return s.registerWithMetadata(ctx, name, "")
}

func (s *registrySteps) registerWithMetadata(_ context.Context, name, metadata string) error {
	if err := s.tc.POST("/names", map[string]string{
		"name":         s.tc.UniqueName(name),
		"metadata_uri": metadata,
	}); err != nil {
		return err
	}
	if s.tc.GetLastResponseStatus() == 201 {
		id, err := s.tc.GetResponseField("identifier")
		if err != nil {
			return err
		}
		if s.identifiers == nil {
			s.identifiers = make(map[string]string)
		}
		s.identifiers[name] = fmt.Sprint(id)
	}
	return nil
}

func (s *registrySteps) hasRegistered(ctx context.Context, principal, name string) error {
	previous := s.tc.Principal()
	defer s.tc.SetPrincipal(previous)
	s.tc.SetPrincipal(principal)
	if err := s.register(ctx, name); err != nil {
		return err
	}
	if status := s.tc.GetLastResponseStatus(); status != 201 {
		return fmt.Errorf("setup registration of %s failed with %d: %s", name, status, s.tc.GetLastResponseBody())
	}
	return nil
}

func (s *registrySteps) destroy(_ context.Context, name string) error {
	return s.tc.DELETE(s.path(name))
}

func (s *registrySteps) destroyByIdentifier(_ context.Context, name string) error {
	id, ok := s.identifiers[name]
	if !ok {
		return fmt.Errorf("no identifier recorded for %s", name)
	}
	return s.tc.DELETE("/names/" + id)
}

func (s *registrySteps) lookup(_ context.Context, name string) error {
	return s.tc.GET(s.path(name))
}

func (s *registrySteps) availability(_ context.Context, name string) error {
	return s.tc.GET(s.path(name) + "/availability")
}

func (s *registrySteps) transfer(_ context.Context, name, to string) error {
	return s.tc.POST(s.path(name)+"/transfer", map[string]string{"to": to})
}

func (s *registrySteps) setCost(_ context.Context, cost int) error {
	return s.tc.PUT("/admin/cost", map[string]int{"cost": cost})
}

func (s *registrySteps) pending(_ context.Context) error {
	return s.tc.GET("/withdrawals")
}

func (s *registrySteps) consistency(_ context.Context) error {
	return s.tc.GET("/admin/consistency")
}

// race fires n concurrent registrations of one name, rotating through the
// funded principals.
func (s *registrySteps) race(_ context.Context, n int, name string) error {
	principals := []string{"alice", "bob", "carol"}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	unique := s.tc.UniqueName(name)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := s.tc.RequestAs(principals[i%len(principals)], http.MethodPost, "/names", map[string]string{"name": unique})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, err)
			case status == 201:
				wins++
			case status != 409:
				errs = append(errs, fmt.Errorf("unexpected status %d", status))
			}
		}()
	}
	wg.Wait()
	if len(errs) > 0 {
		return errs[0]
	}
	s.raceWins = wins
	return nil
}

func (s *registrySteps) shouldBeOwnedBy(_ context.Context, name, owner string) error {
	if err := s.tc.GET(s.path(name)); err != nil {
		return err
	}
	got, err := s.tc.GetResponseField("owner")
	if err != nil {
		return err
	}
	if fmt.Sprint(got) != owner {
		return fmt.Errorf("expected %s to be owned by %s, got %v", name, owner, got)
	}
	return nil
}

func (s *registrySteps) exactlyOneWinner(_ context.Context) error {
	if s.raceWins != 1 {
		return fmt.Errorf("expected exactly one winner, got %s", strconv.Itoa(s.raceWins))
	}
	return nil
}
