package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-dap"
	"github.com/google/uuid"

	"github.com/opsrun/task-debugger/debugger"
	e "github.com/opsrun/task-debugger/error"
)

// OmitValue marks arguments the run resolved to "leave unset". The uuid
// suffix keeps user data from colliding with the sentinel.
var OmitValue = "__omit_place_holder__" + strings.ReplaceAll(uuid.NewString(), "-", "")

// NameValue is one named entry of a variable container.
type NameValue struct {
	Name  string
	Value any
}

// Variable is one lazily expandable container handed to the client by
// reference id. The getter snapshots the children on demand, the setter
// writes a raw value back and reports the stored result.
type Variable struct {
	ID      int
	Frame   int
	Getter  func() []NameValue
	Setter  func(name, raw string) (any, error)
	Named   int
	Indexed int
}

// GetScopes implements debugger.Backend.
func (s *DebugState) GetScopes(request *dap.ScopesRequest) (*dap.ScopesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame, ok := s.frames[request.Arguments.FrameId]
	if !ok {
		return nil, fmt.Errorf("%w: %d", e.ErrUnknownFrame, request.Arguments.FrameId)
	}

	task := frame.Task
	taskVars := frame.TaskVars

	moduleOptions := s.addVariableLocked(frame, func() []NameValue {
		templated := s.templar.TemplateArgs(task.Args, taskVars)
		entries := make([]NameValue, 0, len(templated))
		for _, key := range sortedKeys(templated) {
			value := templated[key]
			if str, ok := value.(string); ok && str == OmitValue {
				continue
			}
			entries = append(entries, NameValue{Name: key, Value: value})
		}
		return entries
	}, func(name, raw string) (any, error) {
		value := parseScalar(raw)
		task.Args[name] = value
		return s.templar.templateValue(value, taskVars), nil
	})

	taskVariables := s.addVariableLocked(frame, func() []NameValue {
		return mapEntries(taskVars)
	}, func(name, raw string) (any, error) {
		value := parseScalar(raw)
		taskVars[name] = value
		return value, nil
	})

	var host *Host
	if thread := s.findFrameThreadLocked(frame.ID); thread != nil {
		host = thread.Host
	}
	hostVariables := s.addVariableLocked(frame, func() []NameValue {
		if host == nil {
			return nil
		}
		return mapEntries(host.VarsSnapshot())
	}, func(name, raw string) (any, error) {
		if host == nil {
			return nil, e.ErrVariableReadOnly
		}
		value := parseScalar(raw)
		host.SetVar(name, value)
		return value, nil
	})

	globalVariables := s.addVariableLocked(frame, func() []NameValue {
		global, _ := taskVars["hostvars"].(map[string]any)
		return mapEntries(global)
	}, nil)

	response := &dap.ScopesResponse{Response: *debugger.NewResponse(request.Seq, request.Command)}
	response.Body.Scopes = []dap.Scope{
		{Name: "Module Options", VariablesReference: moduleOptions.ID},
		{Name: "Task Variables", VariablesReference: taskVariables.ID, Expensive: true},
		{Name: "Host Variables", VariablesReference: hostVariables.ID, Expensive: true},
		{Name: "Global Variables", VariablesReference: globalVariables.ID, Expensive: true},
	}
	return response, nil
}

// GetVariables implements debugger.Backend. Containers expand one level at
// a time: child maps and lists get their own reference on first read.
func (s *DebugState) GetVariables(request *dap.VariablesRequest) (*dap.VariablesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	variable, ok := s.variables[request.Arguments.VariablesReference]
	if !ok {
		return nil, fmt.Errorf("%w: %d", e.ErrUnknownVariable, request.Arguments.VariablesReference)
	}

	frame := s.frames[variable.Frame]
	entries := variable.Getter()
	out := make([]dap.Variable, 0, len(entries))
	for _, entry := range entries {
		out = append(out, s.wrapValueLocked(frame, entry.Name, entry.Value))
	}

	response := &dap.VariablesResponse{Response: *debugger.NewResponse(request.Seq, request.Command)}
	response.Body.Variables = out
	return response, nil
}

// SetVariable implements debugger.Backend.
func (s *DebugState) SetVariable(request *dap.SetVariableRequest) (*dap.SetVariableResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	variable, ok := s.variables[request.Arguments.VariablesReference]
	if !ok {
		return nil, fmt.Errorf("%w: %d", e.ErrUnknownVariable, request.Arguments.VariablesReference)
	}
	if variable.Setter == nil {
		return nil, e.ErrVariableReadOnly
	}

	stored, err := variable.Setter(request.Arguments.Name, request.Arguments.Value)
	if err != nil {
		return nil, err
	}

	frame := s.frames[variable.Frame]
	wrapped := s.wrapValueLocked(frame, request.Arguments.Name, stored)

	response := &dap.SetVariableResponse{Response: *debugger.NewResponse(request.Seq, request.Command)}
	response.Body = dap.SetVariableResponseBody{
		Value:              wrapped.Value,
		Type:               wrapped.Type,
		VariablesReference: wrapped.VariablesReference,
		NamedVariables:     wrapped.NamedVariables,
		IndexedVariables:   wrapped.IndexedVariables,
	}
	return response, nil
}

// wrapValueLocked renders one value for the client, registering a child
// container reference when the value is a map or list.
func (s *DebugState) wrapValueLocked(frame *StackFrame, name string, value any) dap.Variable {
	out := dap.Variable{
		Name:  name,
		Value: formatValue(value),
		Type:  typeName(value),
	}

	switch typed := value.(type) {
	case map[string]any:
		child := s.addVariableLocked(frame, func() []NameValue {
			return mapEntries(typed)
		}, func(key, raw string) (any, error) {
			parsed := parseScalar(raw)
			typed[key] = parsed
			return parsed, nil
		})
		child.Named = len(typed)
		out.VariablesReference = child.ID
		out.NamedVariables = child.Named
	case []any:
		child := s.addVariableLocked(frame, func() []NameValue {
			entries := make([]NameValue, 0, len(typed))
			for i, item := range typed {
				entries = append(entries, NameValue{Name: fmt.Sprintf("%d", i), Value: item})
			}
			return entries
		}, func(key, raw string) (any, error) {
			var index int
			if _, err := fmt.Sscanf(key, "%d", &index); err != nil || index < 0 || index >= len(typed) {
				return nil, fmt.Errorf("%w: index %s", e.ErrUnknownVariable, key)
			}
			parsed := parseScalar(raw)
			typed[index] = parsed
			return parsed, nil
		})
		child.Indexed = len(typed)
		out.VariablesReference = child.ID
		out.IndexedVariables = child.Indexed
	}
	return out
}

func (s *DebugState) addVariableLocked(frame *StackFrame, getter func() []NameValue, setter func(string, string) (any, error)) *Variable {
	variable := &Variable{
		ID:     s.session.NextVariableID(),
		Frame:  frame.ID,
		Getter: getter,
		Setter: setter,
	}
	s.variables[variable.ID] = variable
	frame.Variables = append(frame.Variables, variable.ID)
	return variable
}

func (s *DebugState) findFrameThreadLocked(frameID int) *Thread {
	for _, thread := range s.threads {
		for _, id := range thread.Frames {
			if id == frameID {
				return thread
			}
		}
	}
	return nil
}

func mapEntries(values map[string]any) []NameValue {
	entries := make([]NameValue, 0, len(values))
	for _, key := range sortedKeys(values) {
		entries = append(entries, NameValue{Name: key, Value: values[key]})
	}
	return entries
}

func sortedKeys(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// formatValue renders a value the way the client displays it: strings
// quoted, containers as compact json.
func formatValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("%q", typed)
	case map[string]any, []any:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprintf("%v", typed)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", typed)
	}
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "bool"
	case int, int64:
		return "int"
	case float64:
		return "float"
	case map[string]any:
		return "map"
	case []any:
		return "list"
	default:
		return fmt.Sprintf("%T", value)
	}
}
