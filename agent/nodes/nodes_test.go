package nodes

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/tripsage/agent/handoff"
	"github.com/BaSui01/tripsage/agent/recovery"
	"github.com/BaSui01/tripsage/agent/registry"
	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/testutil/fixtures"
	"github.com/BaSui01/tripsage/types"
)

var testNow = fixtures.Now

func testOptions() Options {
	return Options{Now: func() time.Time { return testNow }, Logger: zap.NewNop()}
}

func staticRegistry(t *testing.T, backups bool) (*registry.Registry, *registry.MemoryPreferenceService) {
	return fixtures.StaticRegistry(t, backups)
}

func userState(text string, params map[string]string) *state.ConversationState {
	return fixtures.UserState("s1", text, params)
}

func flightParams() map[string]string {
	return fixtures.FlightParams()
}

func run(t *testing.T, n Node, s *state.ConversationState) (*state.ConversationState, error) {
	t.Helper()
	prev := s.Clone()
	out, err := n.Process(context.Background(), s)
	require.NotNil(t, out)
	require.NoError(t, state.VerifyNodeWrites(prev, out, n.Name()), "node %s broke write rules", n.Name())
	return out, err
}

func TestFlightNode_Scenario(t *testing.T) {
	reg, _ := staticRegistry(t, false)
	n := NewFlightNode(state.AgentFlight, registry.FlightSearch, reg, testOptions())

	s, err := run(t, n, userState("Find flights from SFO to JFK on 2025-06-15", flightParams()))
	require.NoError(t, err)

	results := s.Results(state.DomainFlights)
	require.Len(t, results, 1)
	assert.Equal(t, state.AgentFlight, results[0].Agent)
	assert.NotEmpty(t, results[0].ID)
	assert.Equal(t, "SFO", results[0].Query["origin"])
	assert.Len(t, resultRecords(results[0]), 3)

	require.Len(t, s.Messages, 2)
	last := s.Messages[1]
	assert.Equal(t, state.RoleAssistant, last.Role)
	assert.Equal(t, state.AgentFlight, last.Agent)
	assert.Contains(t, last.Content, "from SFO to JFK on 2025-06-15")
	assert.Empty(t, s.AgentHistory, "nodes never record history")
}

func TestFlightNode_RepromptsForMissingParams(t *testing.T) {
	reg, _ := staticRegistry(t, false)
	n := NewFlightNode(state.AgentFlight, registry.FlightSearch, reg, testOptions())

	s, err := run(t, n, userState("flights to JFK", map[string]string{"destination": "JFK"}))
	require.NoError(t, err)
	assert.False(t, s.HasResults(state.DomainFlights))
	last := s.Messages[len(s.Messages)-1]
	assert.Equal(t, state.KindReprompt, last.Kind)
	assert.Contains(t, last.Content, "departure airport")
	assert.Contains(t, last.Content, "departure date")
}

func TestFlightNode_InvalidParams(t *testing.T) {
	reg, _ := staticRegistry(t, false)
	n := NewFlightNode(state.AgentFlight, registry.FlightSearch, reg, testOptions())

	p := flightParams()
	p["return_date"] = "2025-06-01"
	s, err := run(t, n, userState("", p))
	require.NoError(t, err)
	assert.Contains(t, s.Messages[len(s.Messages)-1].Content, "must be after the departure date")

	p = flightParams()
	p["destination"] = "SFO"
	s, err = run(t, n, userState("", p))
	require.NoError(t, err)
	assert.Equal(t, state.KindReprompt, s.Messages[len(s.Messages)-1].Kind)
}

func TestFlightNode_UsesPreferences(t *testing.T) {
	var got map[string]string
	reg, err := registry.NewBuilder(nil).
		Register(registry.FlightSearch, registry.SearchFunc(func(_ context.Context, _ state.Domain, p map[string]string) ([]registry.Record, error) {
			got = p
			return nil, nil
		})).Build()
	require.NoError(t, err)

	s := userState("flights to JFK on 2025-06-15", map[string]string{"destination": "JFK", "date": "2025-06-15"})
	s.UserPreferences = map[string]string{"home_airport": "SFO", "cabin": "business"}

	s, err = run(t, NewFlightNode(state.AgentFlight, registry.FlightSearch, reg, testOptions()), s)
	require.NoError(t, err)
	assert.Equal(t, "SFO", got["origin"])
	assert.Equal(t, "business", got["cabin"])
	assert.Empty(t, s.PendingParams["origin"], "pending params are not modified")
	assert.Contains(t, s.Messages[len(s.Messages)-1].Content, "couldn't find any flights")
}

func TestFlightNode_ServiceFailure(t *testing.T) {
	reg, err := registry.NewBuilder(nil).
		Register(registry.FlightSearch, registry.SearchFunc(func(context.Context, state.Domain, map[string]string) ([]registry.Record, error) {
			return nil, types.NewError(types.ErrUpstreamTimeout, "flight_search timed out").WithRetryable(true)
		})).Build()
	require.NoError(t, err)

	s, err := run(t, NewFlightNode(state.AgentFlight, registry.FlightSearch, reg, testOptions()), userState("", flightParams()))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrUpstreamTimeout))
	te, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, string(state.AgentFlight), te.Agent)

	require.Len(t, s.Errors, 1)
	assert.Equal(t, string(types.ErrUpstreamTimeout), s.Errors[0].Code)
	assert.Equal(t, 0, s.ErrorCount)
	assert.Nil(t, s.LastError)
	assert.False(t, s.HasResults(state.DomainFlights))
}

func TestFlightNode_CancelledContext(t *testing.T) {
	reg, err := registry.NewBuilder(nil).
		Register(registry.FlightSearch, registry.SearchFunc(func(ctx context.Context, _ state.Domain, _ map[string]string) ([]registry.Record, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})).Build()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n := NewFlightNode(state.AgentFlight, registry.FlightSearch, reg, testOptions())
	s, err := n.Process(ctx, userState("", flightParams()))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.Errors)
}

func TestSearchNode_SupersedesPreviousResult(t *testing.T) {
	reg, _ := staticRegistry(t, false)
	n := NewAccommodationNode(state.AgentAccommodation, registry.AccommodationSearch, reg, testOptions())

	s, err := run(t, n, userState("hotel in Paris", map[string]string{"city": "Paris", "check_in": "2025-06-15"}))
	require.NoError(t, err)
	s.PendingParams = map[string]string{"city": "Paris", "check_in": "2025-06-16", "check_out": "2025-06-19"}
	s, err = run(t, n, s)
	require.NoError(t, err)

	results := s.Results(state.DomainAccommodations)
	require.Len(t, results, 2)
	assert.Equal(t, results[0].ID, results[1].Supersedes)
}

func TestSearchNode_UnrelatedQueryDoesNotSupersede(t *testing.T) {
	reg, _ := staticRegistry(t, false)
	n := NewFlightNode(state.AgentFlight, registry.FlightSearch, reg, testOptions())

	s, err := run(t, n, userState("", flightParams()))
	require.NoError(t, err)
	s.PendingParams = map[string]string{"origin": "LAX", "destination": "ORD", "date": "2025-07-01"}
	s, err = run(t, n, s)
	require.NoError(t, err)
	s.PendingParams = map[string]string{"origin": "SFO", "destination": "JFK", "date": "2025-06-16"}
	s, err = run(t, n, s)
	require.NoError(t, err)

	results := s.Results(state.DomainFlights)
	require.Len(t, results, 3)
	assert.Empty(t, results[0].Supersedes)
	assert.Empty(t, results[1].Supersedes, "LAX-ORD is a new request")
	assert.Equal(t, results[0].ID, results[2].Supersedes, "same route with a new date corrects the first search")
}

func TestAccommodationNode_CheckOutBeforeCheckIn(t *testing.T) {
	reg, _ := staticRegistry(t, false)
	n := NewAccommodationNode(state.AgentAccommodation, registry.AccommodationSearch, reg, testOptions())
	s, err := run(t, n, userState("", map[string]string{"city": "Paris", "check_in": "2025-06-15", "check_out": "2025-06-14"}))
	require.NoError(t, err)
	assert.Contains(t, s.Messages[len(s.Messages)-1].Content, "must be after check-in")
}

func TestDestinationNode(t *testing.T) {
	reg, _ := staticRegistry(t, false)
	s, err := run(t, NewDestinationNode(reg, testOptions()), userState("things to do in Lisbon", map[string]string{"city": "Lisbon"}))
	require.NoError(t, err)
	require.True(t, s.HasResults(state.DomainDestinations))
	assert.Contains(t, s.Messages[len(s.Messages)-1].Content, "Lisbon old town")
}

func TestBudgetNode_ReadsOtherDomains(t *testing.T) {
	reg, _ := staticRegistry(t, false)
	opts := testOptions()

	s, err := run(t, NewFlightNode(state.AgentFlight, registry.FlightSearch, reg, opts), userState("", flightParams()))
	require.NoError(t, err)
	s.PendingParams = map[string]string{"city": "New York", "check_in": "2025-06-15", "check_out": "2025-06-20"}
	s, err = run(t, NewAccommodationNode(state.AgentAccommodation, registry.AccommodationSearch, reg, opts), s)
	require.NoError(t, err)

	flightsBefore := s.Results(state.DomainFlights)
	s.PendingParams = map[string]string{"budget": "100", "currency": "USD"}
	s, err = run(t, NewBudgetNode(reg, opts), s)
	require.NoError(t, err)

	result, ok := s.LatestResult(state.DomainBudget)
	require.True(t, ok)
	assert.Equal(t, "5", result.Query["days"])
	assert.NotEmpty(t, result.Query["flights_total"])
	assert.NotEmpty(t, result.Query["lodging_nightly"])
	assert.Len(t, result.Data["sources"], 2)
	assert.Contains(t, s.Messages[len(s.Messages)-1].Content, "over your budget")
	assert.Equal(t, flightsBefore, s.Results(state.DomainFlights))
}

func TestBudgetNode_InvalidCurrency(t *testing.T) {
	reg, _ := staticRegistry(t, false)
	s, err := run(t, NewBudgetNode(reg, testOptions()), userState("", map[string]string{"currency": "XYZ"}))
	require.NoError(t, err)
	assert.Equal(t, state.KindReprompt, s.Messages[len(s.Messages)-1].Kind)
	assert.False(t, s.HasResults(state.DomainBudget))
}

func TestItineraryNode(t *testing.T) {
	reg, _ := staticRegistry(t, false)
	opts := testOptions()

	s, err := run(t, NewItineraryNode(opts), userState("plan my trip", nil))
	require.NoError(t, err)
	assert.Equal(t, state.KindReprompt, s.Messages[len(s.Messages)-1].Kind)

	s.PendingParams = map[string]string{"city": "Lisbon", "check_in": "2025-06-15", "check_out": "2025-06-18"}
	s, err = run(t, NewAccommodationNode(state.AgentAccommodation, registry.AccommodationSearch, reg, opts), s)
	require.NoError(t, err)
	s.PendingParams = map[string]string{"city": "Lisbon"}
	s, err = run(t, NewDestinationNode(reg, opts), s)
	require.NoError(t, err)

	s.PendingParams = nil
	s, err = run(t, NewItineraryNode(opts), s)
	require.NoError(t, err)

	result, ok := s.LatestResult(state.DomainItinerary)
	require.True(t, ok)
	assert.Equal(t, 4, result.Data["days"])
	plan, ok := result.Data["plan"].([]any)
	require.True(t, ok)
	require.Len(t, plan, 4)
	first := plan[0].(map[string]any)
	assert.Equal(t, "2025-06-15", first["date"])
	assert.Equal(t, "Arrive in Lisbon", first["title"])
	assert.True(t, strings.HasPrefix(s.Messages[len(s.Messages)-1].Content, "Here's a 4-day plan for Lisbon"))
}

func TestItineraryNode_FromTripState(t *testing.T) {
	s, err := run(t, NewItineraryNode(testOptions()), fixtures.TripState("s1"))
	require.NoError(t, err)

	result, ok := s.LatestResult(state.DomainItinerary)
	require.True(t, ok)
	assert.Equal(t, 6, result.Data["days"])
	assert.Len(t, result.Data["sources"], 2)
	plan := result.Data["plan"].([]any)
	first := plan[0].(map[string]any)
	assert.Equal(t, "2025-06-15", first["date"])
	assert.Contains(t, first["activities"], "Check in at New York Harbor Inn")
}

func TestGeneralNode(t *testing.T) {
	s, err := run(t, NewGeneralNode(testOptions()), userState("Hello!", nil))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.Messages[1].Content, "Hi!"))

	s, err = run(t, NewGeneralNode(testOptions()), userState("hmm", nil))
	require.NoError(t, err)
	assert.Contains(t, s.Messages[1].Content, "not sure")
}

func TestExtractPreferences(t *testing.T) {
	tests := []struct {
		text string
		want map[string]string
	}{
		{"I prefer window seats", map[string]string{"seat": "window"}},
		{"I always fly business and nonstop", map[string]string{"cabin": "business", "stops": "0"}},
		{"I'm vegetarian", map[string]string{"diet": "vegetarian"}},
		{"my home airport is SFO", map[string]string{"home_airport": "SFO"}},
		{"I like 4-star hotels, pay in euros", map[string]string{"hotel_rating": "4", "currency": "EUR"}},
		{"remember that my partner is allergic to cats.", map[string]string{"note": "my partner is allergic to cats"}},
		{"nothing here", map[string]string{}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractPreferences(tt.text))
		})
	}
}

func TestMemoryNode_SavesPreferences(t *testing.T) {
	reg, prefs := staticRegistry(t, false)
	n := NewMemoryNode(reg, testOptions())
	require.NoError(t, prefs.SetPreferences(context.Background(), "u1", map[string]string{"diet": "vegan"}))

	s, err := run(t, n, userState("I prefer aisle seats", nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"diet": "vegan", "seat": "aisle"}, s.UserPreferences)
	assert.Contains(t, s.Messages[len(s.Messages)-1].Content, "seat = aisle")

	stored, err := prefs.GetPreferences(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "aisle", stored["seat"])

	s.AppendMessage(state.Message{Role: state.RoleUser, Content: "remember that we travel with a dog"})
	s, err = run(t, n, s)
	require.NoError(t, err)
	assert.Equal(t, "we travel with a dog", s.UserPreferences["note_1"])
}

func TestMemoryNode_PersistFailure(t *testing.T) {
	reg, err := registry.NewBuilder(nil).WithPreferences(failingPrefs{}).Build()
	require.NoError(t, err)
	s, err := run(t, NewMemoryNode(reg, testOptions()), userState("I prefer window seats", nil))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrServiceUnavailable))
	require.Len(t, s.Errors, 1)
}

func TestMemoryNode_Condense(t *testing.T) {
	reg, _ := staticRegistry(t, false)
	opts := testOptions()
	s, err := run(t, NewFlightNode(state.AgentFlight, registry.FlightSearch, reg, opts), userState("", flightParams()))
	require.NoError(t, err)
	s.HandoffContext = &state.HandoffContext{From: state.AgentFlight, To: state.AgentMemoryUpdate, Trigger: string(handoff.TriggerContextThreshold)}

	s, err = run(t, NewMemoryNode(reg, opts), s)
	require.NoError(t, err)
	last := s.Messages[len(s.Messages)-1]
	assert.Equal(t, state.KindSummary, last.Kind)
	assert.Equal(t, state.RoleSystem, last.Role)
	assert.Contains(t, last.Content, "flights: Found 3 flights")
}

type failingPrefs struct{}

func (failingPrefs) GetPreferences(context.Context, string) (map[string]string, error) {
	return nil, nil
}

func (failingPrefs) SetPreferences(context.Context, string, map[string]string) error {
	return errors.New("redis down")
}

func recoveryState(step RecoveryStep) *state.ConversationState {
	s := userState("", map[string]string{"origin": "SFO", "destination": "JFK", "date": "2025-06-15", "cabin": "business"})
	s.HandoffContext = &state.HandoffContext{
		From:       step.FailedAgent,
		To:         state.AgentErrorRecovery,
		Trigger:    string(handoff.TriggerErrorRecovery),
		Parameters: step.Parameters(),
	}
	return s
}

func TestRecoveryNode_Steps(t *testing.T) {
	n := NewRecoveryNode(testOptions())
	step := RecoveryStep{
		Action:      recovery.ActionRetry,
		FailedAgent: state.AgentFlight,
		Code:        types.ErrUpstreamTimeout,
		Message:     "timed out",
		Attempt:     1,
		NewEpisode:  true,
	}
	s := recoveryState(step)
	s.ErrorCount = 7

	s, err := run(t, n, s)
	require.NoError(t, err)
	assert.Equal(t, 1, s.ErrorCount, "new episode resets the counter")
	require.NotNil(t, s.LastError)
	assert.Equal(t, "retry", s.LastError.Action)
	assert.Equal(t, state.AgentFlight, s.LastError.Agent)

	step.Action, step.NewEpisode, step.Attempt = recovery.ActionSimplify, false, 2
	s.HandoffContext.Parameters = step.Parameters()
	s, err = run(t, n, s)
	require.NoError(t, err)
	assert.Equal(t, 2, s.ErrorCount)
	assert.NotContains(t, s.PendingParams, "cabin")

	step.Action, step.Attempt = recovery.ActionGiveUp, 3
	s.HandoffContext.Parameters = step.Parameters()
	s, err = run(t, n, s)
	require.NoError(t, err)
	assert.Equal(t, 3, s.ErrorCount)
	last := s.Messages[len(s.Messages)-1]
	assert.Equal(t, state.KindApology, last.Kind)
	assert.Contains(t, last.Content, "Sorry")
	assert.Empty(t, s.DomainResults[state.DomainFlights])
}

func TestRecoveryNode_RepromptDoesNotCount(t *testing.T) {
	s := recoveryState(RecoveryStep{Action: recovery.ActionReprompt, FailedAgent: state.AgentFlight, Code: types.ErrValidation, Message: "bad date", NewEpisode: true})
	s, err := run(t, NewRecoveryNode(testOptions()), s)
	require.NoError(t, err)
	assert.Equal(t, 0, s.ErrorCount)
	assert.Equal(t, state.KindReprompt, s.Messages[len(s.Messages)-1].Kind)
}

func TestParseRecoveryStep_Errors(t *testing.T) {
	_, err := ParseRecoveryStep(nil)
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))

	_, err = ParseRecoveryStep(&state.HandoffContext{To: state.AgentErrorRecovery, Parameters: map[string]string{"action": "dance", "failed_agent": "flight_agent"}})
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))

	_, err = ParseRecoveryStep(&state.HandoffContext{To: state.AgentErrorRecovery, Parameters: map[string]string{"action": "retry", "failed_agent": "nobody"}})
	assert.True(t, types.IsCode(err, types.ErrUnknownAgent))
}

func TestRecoveryNode_WithoutHandoff(t *testing.T) {
	s, err := run(t, NewRecoveryNode(testOptions()), userState("", nil))
	require.Error(t, err)
	assert.Len(t, s.Errors, 1)
}

func TestNewTable(t *testing.T) {
	reg, _ := staticRegistry(t, false)
	table := NewTable(reg, testOptions())
	assert.False(t, table.Has(state.AgentFlightBackup))
	assert.Empty(t, table.Alternates())
	assert.Len(t, table.Names(), 8)

	n, err := table.Get(state.AgentFlight)
	require.NoError(t, err)
	assert.Equal(t, KindSearch, n.Kind())
	assert.Equal(t, state.DomainFlights, n.Domain())

	_, err = table.Get(state.AgentRouter)
	assert.True(t, types.IsCode(err, types.ErrUnknownAgent))

	withBackup, _ := staticRegistry(t, true)
	table = NewTable(withBackup, testOptions())
	assert.True(t, table.Has(state.AgentFlightBackup))
	assert.Equal(t, map[state.AgentName]state.AgentName{state.AgentFlight: state.AgentFlightBackup}, table.Alternates())
}

func TestNewTableFrom(t *testing.T) {
	opts := testOptions()
	_, err := NewTableFrom(nil, NewGeneralNode(opts), NewGeneralNode(opts))
	assert.Error(t, err)

	_, err = NewTableFrom(map[state.AgentName]state.AgentName{state.AgentFlight: state.AgentBudget}, NewGeneralNode(opts))
	assert.Error(t, err)

	table, err := NewTableFrom(nil, NewGeneralNode(opts), NewItineraryNode(opts))
	require.NoError(t, err)
	assert.Equal(t, []state.AgentName{state.AgentGeneral, state.AgentItinerary}, table.Names())
}

func TestBind(t *testing.T) {
	var fp FlightSearchParams
	err := Bind(map[string]string{"origin": "sfo", "date": "June 1"}, &fp)
	var perr *ParamError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, []string{"destination"}, perr.Missing())
	assert.Equal(t, "destination", perr.Issues[0].Param, "missing fields sort first")

	assert.Error(t, Bind(nil, fp))
	assert.NoError(t, Bind(flightParams(), &fp))
	assert.Equal(t, "JFK", fp.Destination)
}
