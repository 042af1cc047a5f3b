package service

import (
	"context"
	"testing"

	"telemetry-pipeline/internal/model"
	"telemetry-pipeline/internal/prefs"
	"telemetry-pipeline/internal/remoteconfig"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func snapshotFor(t *testing.T, body string) *remoteconfig.Snapshot {
	t.Helper()
	m := remoteconfig.NewManager(remoteconfig.Defaults{APIKey: "k", APISecret: "s"}, prefs.NewMemoryStore())
	doc, err := remoteconfig.ParseDocument([]byte(body))
	require.NoError(t, err)
	require.NoError(t, m.Apply(context.Background(), doc))
	return m.Current()
}

type TriggerTestSuite struct {
	suite.Suite
}

func TestTriggerSuite(t *testing.T) {
	suite.Run(t, new(TriggerTestSuite))
}

func (s *TriggerTestSuite) event(name string, values map[string]model.Value) model.Message {
	return model.Message{Type: model.TypeEvent, Name: name, SessionID: "sid", Timestamp: 1, Values: values}
}

func (s *TriggerTestSuite) TestPushReceivedAlwaysTriggers() {
	s.True(shouldTrigger(model.Message{Type: model.TypePushReceived}, nil))
	s.True(shouldTrigger(model.Message{Type: model.TypePushReceived}, snapshotFor(s.T(), `{}`)))
}

func (s *TriggerTestSuite) TestNoRulesNoTrigger() {
	s.False(shouldTrigger(s.event("Purchase", nil), nil))
	s.False(shouldTrigger(s.event("Purchase", nil), snapshotFor(s.T(), `{}`)))
}

func (s *TriggerTestSuite) TestFieldPatterns() {
	snap := snapshotFor(s.T(), `{"tri": {"mm": [
		{"dt": "E", "n": "purchase"},
		{"dt": "x", "eh": true},
		{"dt": "e", "el": 1500}
	]}}`)

	cases := []struct {
		name string
		msg  model.Message
		want bool
	}{
		{"string compare ignores case", s.event("PURCHASE", nil), true},
		{"different name", s.event("Checkout", nil), false},
		{"missing key fails the pattern", model.Message{Type: model.TypeError}, false},
		{"boolean against string", model.Message{Type: model.TypeError, Values: map[string]model.Value{"eh": model.String("TRUE")}}, true},
		{"boolean mismatch", model.Message{Type: model.TypeError, Values: map[string]model.Value{"eh": model.Bool(false)}}, false},
		{"numeric equality", s.event("Tap", map[string]model.Value{"el": model.Int(1500)}), true},
		{"numeric string", s.event("Tap", map[string]model.Value{"el": model.String("1500.0")}), true},
		{"numeric mismatch", s.event("Tap", map[string]model.Value{"el": model.Int(10)}), false},
	}
	for _, tc := range cases {
		s.Equal(tc.want, shouldTrigger(tc.msg, snap), tc.name)
	}
}

func (s *TriggerTestSuite) TestOneMatchingPatternIsEnough() {
	snap := snapshotFor(s.T(), `{"tri": {"mm": [
		{"dt": "e", "n": "purchase"},
		{"dt": "e", "n": "refund"}
	]}}`)

	s.True(shouldTrigger(s.event("purchase", nil), snap))
	s.True(shouldTrigger(s.event("refund", nil), snap))
	s.False(shouldTrigger(s.event("browse", nil), snap))
}

func (s *TriggerTestSuite) TestHashAllowList() {
	snap := snapshotFor(s.T(), `{"tri": {"evts": [-356305786]}}`)

	s.True(shouldTrigger(s.event("Purchase", nil), snap))
	s.False(shouldTrigger(s.event("Test", nil), snap))
}

func (s *TriggerTestSuite) TestValuesMatch() {
	s.True(valuesMatch(model.String("Yes"), model.String("yes")))
	s.False(valuesMatch(model.String("yes"), model.String("no")))
	s.True(valuesMatch(model.Bool(true), model.String("true")))
	s.True(valuesMatch(model.Int(3), model.String("3")))
	s.False(valuesMatch(model.Bool(true), model.Int(1)))
	s.False(valuesMatch(model.Value{}, model.String("x")))
}

func TestHashTriggerProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	listed := "Purchase"
	snap := snapshotFor(t, `{"tri": {"evts": [-356305786]}}`)

	properties.Property("only the listed type-name hash triggers", prop.ForAll(
		func(name string) bool {
			msg := model.Message{Type: model.TypeEvent, Name: name}
			return shouldTrigger(msg, snap) == (model.HashString("e"+name) == model.HashString("e"+listed))
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
