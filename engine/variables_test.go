package engine

import (
	"testing"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"

	e "github.com/opsrun/task-debugger/error"
)

func scopesFixture(t *testing.T) (*DebugState, *StackFrame, *Task, *Host) {
	session := newFakeSession()
	state := NewDebugState(session)
	tree := buildTaskTree()
	host := NewHost("web01")
	host.SetVar("listen_port", 22)

	tree.t1.Args = map[string]any{
		"msg":   "{{ greeting }} world",
		"state": "present",
		"maybe": "{{ omit }}",
	}
	vars := map[string]any{
		"greeting": "hello",
		"omit":     OmitValue,
		"hostvars": map[string]any{
			"web01": map[string]any{"listen_port": 22},
		},
	}

	frame := state.ProcessTask(host, tree.t1, vars)
	return state, frame, tree.t1, host
}

func getScopes(t *testing.T, state *DebugState, frameID int) []dap.Scope {
	request := &dap.ScopesRequest{}
	request.Arguments = dap.ScopesArguments{FrameId: frameID}
	response, err := state.GetScopes(request)
	assert.Nil(t, err)
	return response.Body.Scopes
}

func getVariables(t *testing.T, state *DebugState, ref int) []dap.Variable {
	request := &dap.VariablesRequest{}
	request.Arguments = dap.VariablesArguments{VariablesReference: ref}
	response, err := state.GetVariables(request)
	assert.Nil(t, err)
	return response.Body.Variables
}

func TestScopes(t *testing.T) {
	state, frame, _, _ := scopesFixture(t)

	scopes := getScopes(t, state, frame.ID)
	assert.Len(t, scopes, 4)
	assert.Equal(t, "Module Options", scopes[0].Name)
	assert.Equal(t, "Task Variables", scopes[1].Name)
	assert.Equal(t, "Host Variables", scopes[2].Name)
	assert.Equal(t, "Global Variables", scopes[3].Name)
	assert.False(t, scopes[0].Expensive)
	assert.True(t, scopes[1].Expensive)

	request := &dap.ScopesRequest{}
	request.Arguments = dap.ScopesArguments{FrameId: 99}
	_, err := state.GetScopes(request)
	assert.ErrorIs(t, err, e.ErrUnknownFrame)
}

func TestModuleOptionsAreTemplatedAndOmitFiltered(t *testing.T) {
	state, frame, _, _ := scopesFixture(t)
	scopes := getScopes(t, state, frame.ID)

	options := getVariables(t, state, scopes[0].VariablesReference)
	assert.Len(t, options, 2, "omitted option is hidden")
	assert.Equal(t, "msg", options[0].Name)
	assert.Equal(t, `"hello world"`, options[0].Value)
	assert.Equal(t, "string", options[0].Type)
	assert.Equal(t, "state", options[1].Name)
	assert.Equal(t, `"present"`, options[1].Value)
}

func TestContainerVariablesExpandLazily(t *testing.T) {
	state, frame, _, _ := scopesFixture(t)
	scopes := getScopes(t, state, frame.ID)

	taskVars := getVariables(t, state, scopes[1].VariablesReference)
	var hostvars dap.Variable
	for _, v := range taskVars {
		if v.Name == "hostvars" {
			hostvars = v
		}
	}
	assert.NotZero(t, hostvars.VariablesReference)
	assert.Equal(t, "map", hostvars.Type)
	assert.Equal(t, 1, hostvars.NamedVariables)

	perHost := getVariables(t, state, hostvars.VariablesReference)
	assert.Len(t, perHost, 1)
	assert.Equal(t, "web01", perHost[0].Name)
	assert.NotZero(t, perHost[0].VariablesReference)

	request := &dap.VariablesRequest{}
	request.Arguments = dap.VariablesArguments{VariablesReference: 9999}
	_, err := state.GetVariables(request)
	assert.ErrorIs(t, err, e.ErrUnknownVariable)
}

func TestSetModuleOption(t *testing.T) {
	state, frame, task, _ := scopesFixture(t)
	scopes := getScopes(t, state, frame.ID)

	request := &dap.SetVariableRequest{}
	request.Arguments = dap.SetVariableArguments{
		VariablesReference: scopes[0].VariablesReference,
		Name:               "retries",
		Value:              "3",
	}
	response, err := state.SetVariable(request)
	assert.Nil(t, err)
	assert.Equal(t, "3", response.Body.Value)
	assert.Equal(t, "int", response.Body.Type)
	// written back into the task's raw arguments with its native type
	assert.Equal(t, 3, task.Args["retries"])
}

func TestSetTaskVariable(t *testing.T) {
	state, frame, _, _ := scopesFixture(t)
	scopes := getScopes(t, state, frame.ID)

	request := &dap.SetVariableRequest{}
	request.Arguments = dap.SetVariableArguments{
		VariablesReference: scopes[1].VariablesReference,
		Name:               "greeting",
		Value:              "goodbye",
	}
	response, err := state.SetVariable(request)
	assert.Nil(t, err)
	assert.Equal(t, `"goodbye"`, response.Body.Value)
	assert.Equal(t, "goodbye", frame.TaskVars["greeting"])
}

func TestGlobalVariablesAreReadOnly(t *testing.T) {
	state, frame, _, _ := scopesFixture(t)
	scopes := getScopes(t, state, frame.ID)

	request := &dap.SetVariableRequest{}
	request.Arguments = dap.SetVariableArguments{
		VariablesReference: scopes[3].VariablesReference,
		Name:               "anything",
		Value:              "1",
	}
	_, err := state.SetVariable(request)
	assert.ErrorIs(t, err, e.ErrVariableReadOnly)
}

func TestEvaluateRepl(t *testing.T) {
	state, frame, _, _ := scopesFixture(t)

	request := &dap.EvaluateRequest{}
	request.Arguments = dap.EvaluateArguments{
		Expression: `greeting + " there"`,
		FrameId:    frame.ID,
		Context:    "repl",
	}
	response, err := state.Evaluate(request)
	assert.Nil(t, err)
	assert.Equal(t, `"hello there"`, response.Body.Result)
	assert.Equal(t, "string", response.Body.Type)

	request.Arguments.Context = "hover"
	response, err = state.Evaluate(request)
	assert.Nil(t, err)
	assert.Equal(t, "Evaluation for hover is not implemented", response.Body.Result)

	request.Arguments.Context = "repl"
	request.Arguments.FrameId = 99
	_, err = state.Evaluate(request)
	assert.ErrorIs(t, err, e.ErrUnknownFrame)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "null", formatValue(nil))
	assert.Equal(t, `"x"`, formatValue("x"))
	assert.Equal(t, "3", formatValue(3))
	assert.Equal(t, "true", formatValue(true))
	assert.Equal(t, `{"a":1}`, formatValue(map[string]any{"a": 1}))
	assert.Equal(t, `["a",2]`, formatValue([]any{"a", 2}))
}
