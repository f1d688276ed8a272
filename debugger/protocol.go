package debugger

import "github.com/google/go-dap"

// NewEvent builds the embedded Event for an outbound DAP event message.
func NewEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}

// NewResponse builds the embedded Response echoing a request's seq and
// command.
func NewResponse(requestSeq int, command string) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    command,
		RequestSeq: requestSeq,
		Success:    true,
	}
}

// NewErrorResponse converts a dispatch failure into a protocol-correct
// error reply for the originating request.
func NewErrorResponse(requestSeq int, command string, message string) *dap.ErrorResponse {
	er := &dap.ErrorResponse{}
	er.Response = *NewResponse(requestSeq, command)
	er.Success = false
	er.Message = message
	er.Body.Error = &dap.ErrorMessage{
		Id:     requestSeq,
		Format: message,
	}
	return er
}
