package wire

import "encoding/json"

// Operation names the instruction kinds the dispatcher accepts (spec.md
// #4.2). These are exhaustive.
type Operation string

const (
	OpListInstruments   Operation = "list_instruments"
	OpGetBlueprint      Operation = "get_blueprint"
	OpGet               Operation = "get"
	OpSet               Operation = "set"
	OpCall              Operation = "call"
	OpCreateInstrument  Operation = "create_instrument"
	OpSnapshot          Operation = "snapshot"
	OpAddParameter      Operation = "add_parameter"
	OpRemoveParameter   Operation = "remove_parameter"
	OpSaveProfile       Operation = "save"
)

// Instruction is the tagged request decoded from a single router frame
// (spec.md #3, #6).
type Instruction struct {
	Operation Operation      `json:"operation"`
	Target    string         `json:"target,omitempty"`
	Path      string         `json:"path,omitempty"`
	Name      string         `json:"name,omitempty"`
	Args      []any          `json:"args,omitempty"`
	Kwargs    map[string]any `json:"kwargs,omitempty"`
	Value     any            `json:"value,omitempty"`
	// ClassPath and FindOrCreate are only meaningful for create_instrument.
	ClassPath    string `json:"class_path,omitempty"`
	FindOrCreate bool   `json:"find_or_create,omitempty"`
}

// wireResponse is the JSON shape of Response on the wire (spec.md #6).
type wireResponse struct {
	OK    bool          `json:"ok"`
	Value any           `json:"value,omitempty"`
	Error *wireErrorBody `json:"error,omitempty"`
}

type wireErrorBody struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Response is the tagged reply: either a success value or a structured
// error.
type Response struct {
	OK    bool
	Value any
	Err   *ServerError
}

// OKResponse constructs a successful response.
func OKResponse(value any) Response {
	return Response{OK: true, Value: value}
}

// ErrResponse constructs a failure response from a ServerError.
func ErrResponse(err *ServerError) Response {
	return Response{OK: false, Err: err}
}

// MarshalJSON implements json.Marshaler using the wire shape.
func (r Response) MarshalJSON() ([]byte, error) {
	w := wireResponse{OK: r.OK, Value: r.Value}
	if !r.OK && r.Err != nil {
		w.Error = &wireErrorBody{Kind: r.Err.Kind, Message: r.Err.Message}
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler using the wire shape.
func (r *Response) UnmarshalJSON(data []byte) error {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.OK = w.OK
	r.Value = w.Value
	if !w.OK && w.Error != nil {
		r.Err = NewError(w.Error.Kind, w.Error.Message)
	} else {
		r.Err = nil
	}
	return nil
}

// DecodeInstruction decodes a single router-frame payload into an
// Instruction. A decode failure is always a ProtocolError per spec.md #4.2.
func DecodeInstruction(payload []byte) (*Instruction, *ServerError) {
	var in Instruction
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, Protocolf("malformed instruction: %s", err)
	}
	if in.Operation == "" {
		return nil, Protocolf("missing operation")
	}
	return &in, nil
}

// EncodeResponse serializes a Response for the wire. Encoding a Response is
// not expected to fail for the value shapes this module produces; a failure
// degrades to an Internal error response so the dispatcher never panics.
func EncodeResponse(r Response) []byte {
	b, err := json.Marshal(r)
	if err != nil {
		b, _ = json.Marshal(wireResponse{
			OK:    false,
			Error: &wireErrorBody{Kind: KindInternal, Message: "failed to encode response: " + err.Error()},
		})
	}
	return b
}
