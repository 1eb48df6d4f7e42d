package fault

// Payload is the data object of a failed API response. Location, trace and
// extra info are only populated in debug mode.
type Payload struct {
	ErrorMessage   string         `json:"error_message"`
	ErrorCode      Code           `json:"error_code"`
	ErrorFile      string         `json:"error_file,omitempty"`
	ErrorLine      int            `json:"error_line,omitempty"`
	ErrorTrace     string         `json:"error_trace,omitempty"`
	ErrorExtraInfo map[string]any `json:"error_extra_info,omitempty"`
}

func (e *Error) Payload(debug bool) Payload {
	p := Payload{ErrorMessage: e.Message, ErrorCode: e.Code}
	if !debug {
		return p
	}
	p.ErrorFile, p.ErrorLine = e.Location()
	p.ErrorTrace = e.Trace()
	if len(e.Extra) > 0 {
		p.ErrorExtraInfo = make(map[string]any, len(e.Extra))
		for k, v := range e.Extra {
			p.ErrorExtraInfo[k] = v
		}
	}
	return p
}
