package debugger

import (
	"github.com/google/go-dap"

	"github.com/opsrun/task-debugger/constants"
	"github.com/opsrun/task-debugger/utils"
)

// LineKind classifies one line of a source file in the incrementally
// learned validity map.
type LineKind int8

const (
	// Unbreakable lines exist but cannot hold a breakpoint, e.g. a block
	// header or an import construct. Index 0 of every map is Unbreakable
	// until the first real entry is learned.
	Unbreakable LineKind = iota
	// Breakpointable lines start a range a breakpoint can bind to.
	Breakpointable
	// Continuation lines inherit the meaning of the nearest preceding
	// non-continuation entry.
	Continuation
)

const (
	msgCannotSetHere  = "Breakpoint cannot be set here."
	msgNotLoaded      = "File has not been loaded yet, cannot detect breakpoints."
	msgModifiedSource = "Cannot set breakpoint on a modified source."
)

// LineBreakpoint pairs the client's requested source breakpoint with its
// current resolution against the line validity map.
type LineBreakpoint struct {
	ID               int
	Source           dap.Source
	SourceBreakpoint dap.SourceBreakpoint
	Breakpoint       dap.Breakpoint
}

func (b *LineBreakpoint) Path() string {
	return b.Source.Path
}

// resolveLine resolves a requested line against a path's validity map. The
// requested line is first clamped to the map, then scanned backwards over
// continuation entries to the owning range start and forwards to the range
// end.
func resolveLine(info []LineKind, requested int) (verified bool, start, end int, message string) {
	start = requested
	if max := len(info) - 1; start > max {
		start = max
	}
	// lines below the file-start sentinel resolve against it and come back
	// unverified
	if start < 0 {
		start = 0
	}
	for info[start] == Continuation {
		start--
	}

	end = start + 1
	for end < len(info) && info[end] == Continuation {
		end++
	}
	end--
	if end > len(info) {
		end = len(info)
	}

	if info[start] == Unbreakable {
		return false, start, end, msgCannotSetHere
	}
	return true, start, end, ""
}

// RegisterPathBreakpoint extends the validity map for path as the engine
// discovers executable constructs, then re-resolves every breakpoint on
// that path and emits a "changed" breakpoint event for each one whose
// resolution moved.
func (s *Session) RegisterPathBreakpoint(path string, line int, kind LineKind) {
	if line < 1 {
		return
	}
	for _, bp := range s.learnLine(path, line, kind) {
		event := &dap.BreakpointEvent{Event: *NewEvent("breakpoint")}
		event.Body = dap.BreakpointEventBody{
			Reason:     string(constants.BreakpointChanged),
			Breakpoint: bp,
		}
		s.Send(event)
	}
}

// learnLine holds the state lock with defer so a fault here can never leak
// it into the send path, and returns the re-resolved breakpoints that moved.
func (s *Session) learnLine(path string, line int, kind LineKind) []dap.Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.sourceInfo[path]
	if !ok {
		info = []LineKind{Unbreakable}
	}
	for len(info) <= line {
		info = append(info, Continuation)
	}
	info[line] = kind
	s.sourceInfo[path] = info

	var changed []dap.Breakpoint
	for _, b := range s.breakpoints {
		if b.Path() != path {
			continue
		}
		verified, start, end, message := resolveLine(info, b.SourceBreakpoint.Line)
		if b.Breakpoint.Verified == verified && b.Breakpoint.Line == start && b.Breakpoint.EndLine == end {
			continue
		}
		b.Breakpoint = dap.Breakpoint{
			Id:       b.ID,
			Verified: verified,
			Message:  message,
			Source:   &b.Source,
			Line:     start,
			EndLine:  end,
		}
		changed = append(changed, b.Breakpoint)
	}
	return changed
}

// GetBreakpoint returns the verified breakpoint covering path:line, or nil.
// Breakpoints never fire while no client is connected.
func (s *Session) GetBreakpoint(path string, line int) *LineBreakpoint {
	if !s.status.Is(utils.Connected) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.breakpoints {
		if !b.Breakpoint.Verified || b.Path() != path {
			continue
		}
		if (b.Breakpoint.Line == 0 || b.Breakpoint.Line <= line) &&
			(b.Breakpoint.EndLine == 0 || b.Breakpoint.EndLine >= line) {
			return b
		}
	}
	return nil
}

// onSetBreakpoints wholesale replaces the breakpoint set for the request's
// source. Every breakpoint previously registered against that exact path is
// discarded, each requested one gets a fresh monotonic id and is resolved
// against the current line validity map.
func (s *Session) onSetBreakpoints(request *dap.SetBreakpointsRequest) {
	response := &dap.SetBreakpointsResponse{}
	response.Response = *NewResponse(request.Seq, request.Command)
	response.Body.Breakpoints = s.replaceBreakpoints(request)
	s.Send(response)
}

func (s *Session) replaceBreakpoints(request *dap.SetBreakpointsRequest) []dap.Breakpoint {
	source := request.Arguments.Source
	path := source.Path

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, b := range s.breakpoints {
		if b.Path() == path {
			delete(s.breakpoints, id)
		}
	}

	info := s.sourceInfo[path]
	breakpoints := make([]dap.Breakpoint, 0, len(request.Arguments.Breakpoints))
	for _, sb := range request.Arguments.Breakpoints {
		id := s.breakpointCounter
		s.breakpointCounter++

		if request.Arguments.SourceModified {
			// Not persisted, there is nothing to re-verify later.
			breakpoints = append(breakpoints, dap.Breakpoint{
				Id:       id,
				Verified: false,
				Message:  msgModifiedSource,
				Source:   &source,
			})
			continue
		}

		var bp dap.Breakpoint
		if len(info) == 0 {
			bp = dap.Breakpoint{
				Id:       id,
				Verified: false,
				Message:  msgNotLoaded,
				Source:   &source,
			}
		} else {
			verified, start, end, message := resolveLine(info, sb.Line)
			bp = dap.Breakpoint{
				Id:       id,
				Verified: verified,
				Message:  message,
				Source:   &source,
				Line:     start,
				EndLine:  end,
			}
		}

		s.breakpoints[id] = &LineBreakpoint{
			ID:               id,
			Source:           source,
			SourceBreakpoint: sb,
			Breakpoint:       bp,
		}
		breakpoints = append(breakpoints, bp)
	}
	return breakpoints
}
