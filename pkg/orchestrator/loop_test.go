package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/google/protofuzz/pkg/connmgr"
	"github.com/google/protofuzz/pkg/protocol"
	"github.com/google/protofuzz/pkg/protocontext"
	"github.com/google/protofuzz/pkg/record"
	"github.com/google/protofuzz/pkg/stage"
	"github.com/google/protofuzz/pkg/stateful"
)

func pingModel() *protocol.DataModel {
	return &protocol.DataModel{Blocks: []protocol.Block{
		{Name: "command", Type: protocol.TypeUint8, Values: map[string]int64{"PING": 1, "PONG": 2}},
		{Name: "seq", Type: protocol.TypeUint32, Default: int64(0)},
		{Name: "token", Type: protocol.TypeUint16, FromContext: "session.token"},
		{Name: "payload", Type: protocol.TypeBytes, MaxSize: 32, Default: []byte("x")},
	}}
}

func newTestRuntime(t *testing.T) *runtime {
	t.Helper()
	model := pingModel()
	rt := &runtime{
		plugin:    PluginSpec{},
		pctx:      protocontext.New(),
		generator: protocol.NewGenerator(),
		fuzzStage: stage.Stage{Name: "fuzz_target", Role: stage.RoleFuzzTarget, DataModel: model, ResponseModel: model},
		behaviors: behaviorStates(model),
	}
	rt.pctx.Set("session.token", int64(7))
	return rt
}

func TestReapplyFieldSourcesInjectsContextValue(t *testing.T) {
	rt := newTestRuntime(t)
	model := rt.fuzzStage.DataModel

	seed, err := protocol.Serialize(model, protocol.FieldMap{
		"command": int64(1), "seq": int64(5), "token": int64(0), "payload": []byte("ab"),
	}, protocol.SerializeOptions{Context: rt.pctx})
	require.NoError(t, err)

	out := reapplyFieldSources(model, seed, rt, stateful.Transition{}, false)
	parsed, err := protocol.Parse(model, out)
	require.NoError(t, err)
	require.EqualValues(t, 7, parsed["token"])
}

func TestReapplyFieldSourcesInjectsTransitionMessageType(t *testing.T) {
	rt := newTestRuntime(t)
	model := rt.fuzzStage.DataModel

	seed, err := protocol.Serialize(model, protocol.FieldMap{
		"command": int64(1), "seq": int64(1), "token": int64(0), "payload": []byte("a"),
	}, protocol.SerializeOptions{Context: rt.pctx})
	require.NoError(t, err)

	out := reapplyFieldSources(model, seed, rt, stateful.Transition{MessageType: "PONG"}, true)
	parsed, err := protocol.Parse(model, out)
	require.NoError(t, err)
	require.EqualValues(t, 2, parsed["command"])
}

func TestReapplyFieldSourcesFallsBackOnParseError(t *testing.T) {
	rt := newTestRuntime(t)
	garbage := []byte{0xFF}
	out := reapplyFieldSources(rt.fuzzStage.DataModel, garbage, rt, stateful.Transition{}, false)
	require.Equal(t, garbage, out)
}

func TestClassifyReceiveTimeoutIsHang(t *testing.T) {
	rt := newTestRuntime(t)
	o := &Orchestrator{}
	result, parsed := o.classify(rt, nil, errReceiveTimeout())
	require.Equal(t, record.ResultHang, result)
	require.Nil(t, parsed)
}

func TestClassifySendErrorIsCrash(t *testing.T) {
	rt := newTestRuntime(t)
	o := &Orchestrator{}
	result, _ := o.classify(rt, nil, errGeneric())
	require.Equal(t, record.ResultCrash, result)
}

func TestClassifyUnparseableResponseIsLogicalFailure(t *testing.T) {
	rt := newTestRuntime(t)
	o := &Orchestrator{}
	result, _ := o.classify(rt, []byte{0xFF}, nil)
	require.Equal(t, record.ResultLogicalFailure, result)
}

func TestClassifyUsesPluginValidateHook(t *testing.T) {
	rt := newTestRuntime(t)
	rt.plugin.Validate = func(protocol.FieldMap) record.Result { return record.ResultAnomaly }
	o := &Orchestrator{}

	resp, err := protocol.Serialize(rt.fuzzStage.DataModel, protocol.FieldMap{
		"command": int64(2), "seq": int64(1), "token": int64(0), "payload": []byte("a"),
	}, protocol.SerializeOptions{Context: rt.pctx})
	require.NoError(t, err)

	result, parsed := o.classify(rt, resp, nil)
	require.Equal(t, record.ResultAnomaly, result)
	require.NotNil(t, parsed)
}

func TestBuildMatcherNilForSequentialStrategy(t *testing.T) {
	rt := newTestRuntime(t)
	rt.plugin.Connection = connmgr.Config{DemuxStrategy: connmgr.DemuxSequential}
	require.Nil(t, buildMatcher(rt))
}

func TestBuildMatcherTaggedChecksCorrelationField(t *testing.T) {
	rt := newTestRuntime(t)
	rt.plugin.Connection = connmgr.Config{DemuxStrategy: connmgr.DemuxTagged, CorrelationField: "command"}

	m := buildMatcher(rt)
	require.NotNil(t, m)

	resp, err := protocol.Serialize(rt.fuzzStage.DataModel, protocol.FieldMap{
		"command": int64(2), "seq": int64(1), "token": int64(0), "payload": []byte("a"),
	}, protocol.SerializeOptions{Context: rt.pctx})
	require.NoError(t, err)

	require.True(t, m(resp))
	require.False(t, m([]byte{0xFF}))
}

func TestSelectSeedRoundRobinsWithoutStateModel(t *testing.T) {
	rt := newTestRuntime(t)
	corp := newCorpusForTest(t)
	rt.corp = corp
	_, _, _ = corp.AddSeed([]byte("a"))
	_, _, _ = corp.AddSeed([]byte("b"))

	o := &Orchestrator{}
	var transition stateful.Transition
	var have bool
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		s := o.selectSeed(rt, rt.fuzzStage.DataModel, &transition, &have)
		seen[string(s)] = true
	}
	require.False(t, have)
	require.Len(t, seen, 2)
}
