package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

const Version = "2.0"

// Kind tells a request frame from a response frame.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
)

// NullID is the id carried by notifications that expect no response.
var NullID = json.RawMessage("null")

// Message is a single JSON-RPC frame. Requests have Method and Params set,
// responses have Result and/or Error set.
type Message struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage

	Result   json.RawMessage
	Error    string
	HasError bool
}

// envelope is the on-the-wire shape. Requests and responses never share
// fields, so omitempty keeps both forms minimal.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *string         `json:"error,omitempty"`
}

func NewRequest(id string, method string, params interface{}) (*Message, error) {
	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	p, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{ID: rawID, Method: method, Params: p}, nil
}

// NewNotification builds a request with a null id.
func NewNotification(method string, params interface{}) (*Message, error) {
	p, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{ID: NullID, Method: method, Params: p}, nil
}

func NewResult(id json.RawMessage, result interface{}) (*Message, error) {
	r, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, Result: r}, nil
}

func NewError(id json.RawMessage, msg string) *Message {
	return &Message{ID: id, Error: msg, HasError: true}
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage("[]"), nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

func (m *Message) Kind() Kind {
	if m.Method != "" {
		return KindRequest
	}
	return KindResponse
}

// IDKey returns the id in a form usable as a map key. Whitespace inside the
// raw id is dropped so that re-encoded ids still match.
func (m *Message) IDKey() string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, m.ID); err != nil {
		return string(m.ID)
	}
	return buf.String()
}

// IsNotification reports whether the frame carries a null or missing id.
func (m *Message) IsNotification() bool {
	id := bytes.TrimSpace(m.ID)
	return len(id) == 0 || bytes.Equal(id, NullID)
}

// Validate applies the structural rules: a request needs a method and
// params that are present and not null, a response needs a result or an error.
func (m *Message) Validate() error {
	if m.Method != "" {
		p := bytes.TrimSpace(m.Params)
		if len(p) == 0 || bytes.Equal(p, []byte("null")) {
			return fmt.Errorf("request %q has no params", m.Method)
		}
		return nil
	}
	if len(m.Result) == 0 && !m.HasError {
		return fmt.Errorf("response carries neither result nor error")
	}
	return nil
}

func (m *Message) MarshalJSON() ([]byte, error) {
	env := envelope{
		JSONRPC: Version,
		ID:      m.ID,
		Method:  m.Method,
		Params:  m.Params,
		Result:  m.Result,
	}
	if len(env.ID) == 0 {
		env.ID = NullID
	}
	if m.HasError {
		e := m.Error
		env.Error = &e
		env.Result = nil
	}
	return json.Marshal(env)
}

// parseMessage decodes one line. gjson does the structural checks on the
// raw bytes so that "absent" and "null" can be told apart.
func parseMessage(line []byte) (*Message, error) {
	if !gjson.ValidBytes(line) {
		return nil, fmt.Errorf("invalid JSON")
	}
	root := gjson.ParseBytes(line)
	if !root.IsObject() {
		return nil, fmt.Errorf("frame is not a JSON object")
	}

	m := &Message{}
	if id := root.Get("id"); id.Exists() {
		m.ID = json.RawMessage(id.Raw)
	}

	if method := root.Get("method"); method.Exists() {
		if method.Type != gjson.String {
			return nil, fmt.Errorf("method is not a string")
		}
		m.Method = method.String()
		if params := root.Get("params"); params.Exists() {
			m.Params = json.RawMessage(params.Raw)
		}
		if m.Method == "" {
			return nil, fmt.Errorf("empty method")
		}
	} else {
		if result := root.Get("result"); result.Exists() {
			m.Result = json.RawMessage(result.Raw)
		}
		if e := root.Get("error"); e.Exists() && e.Type != gjson.Null {
			m.HasError = true
			m.Error = errorText(e)
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// errorText reduces the error member to a message. Plain strings are used as
// is; {"code":..,"message":..} objects and stratum style [code, msg, data]
// arrays are common in the wild.
func errorText(e gjson.Result) string {
	switch {
	case e.Type == gjson.String:
		return e.String()
	case e.IsObject():
		if msg := e.Get("message"); msg.Exists() {
			return msg.String()
		}
	case e.IsArray():
		if msg := e.Get("1"); msg.Exists() {
			return msg.String()
		}
	}
	return e.Raw
}
